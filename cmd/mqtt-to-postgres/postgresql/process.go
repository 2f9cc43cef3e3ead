package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// undefinedColumnCode is the SQLSTATE Postgres signals when a statement
// references a column that does not exist. It is the ground truth for the
// schema evolution path, the column cache is only an optimization.
const undefinedColumnCode = "42703"

const (
	insertEventSQL = `INSERT INTO mqtt (timestamp, imei, message, payload, crc, env, topic) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectLegacySQL  = `SELECT swd_imei FROM things WHERE swd_imei = $1`
	selectCurrentSQL = `SELECT imei FROM things WHERE imei = $1`
)

// ProcessMessage writes one dequeued message: an event row plus the device
// state upsert, inside one transaction. Unknown attribute columns are created
// on demand; the ALTER TABLE is committed independently of the row write it
// unblocks, so a crash between the two never leaves the schema in a state a
// retry cannot proceed from.
func (c *Connection) ProcessMessage(ctx context.Context, msg *shared.Message) error {
	zap.S().Debugf("Processing message %s from %s", msg.Fingerprint, msg.Topic)

	attribute := msg.Attribute

	// Widen the schema up front when the attribute has never been seen.
	if shared.ValidColumnName(attribute) && !c.knownColumns[attribute] {
		if err := c.addColumn(ctx, attribute); err != nil {
			return err
		}
	}

	err := c.writeMessage(ctx, msg, attribute, true)
	if err != nil && isUndefinedColumn(err) {
		if c.dryRun {
			// The ALTER was only previewed, so the live schema cannot take
			// the device state write. Replay the event row alone.
			zap.S().Infof("DRY_RUN: column %s does not exist in the live schema, skipping the device state update", attribute)
			return c.writeMessage(ctx, msg, attribute, false)
		}
		// The column cache lost a race with the actual schema. Create the
		// column and retry the whole message exactly once, event row
		// included, so a processed message still yields exactly one event.
		zap.S().Warnf("Column not present for attribute %s, creating it: %s", attribute, err)
		if err = c.addColumn(ctx, attribute); err != nil {
			return err
		}
		err = c.writeMessage(ctx, msg, attribute, true)
	}
	return err
}

func (c *Connection) writeMessage(ctx context.Context, msg *shared.Message, attribute string, withDeviceState bool) error {
	tx, err := c.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.Exec(ctx, insertEventSQL,
		msg.Timestamp, msg.DeviceID, msg.Topic, msg.Payload, msg.Fingerprint, c.environment, attribute)
	if err != nil {
		return rollback(ctx, tx, fmt.Errorf("failed to insert event row: %w", err))
	}

	if withDeviceState {
		if err = c.upsertDeviceState(ctx, tx, msg, attribute); err != nil {
			return rollback(ctx, tx, err)
		}
	}

	if c.dryRun {
		zap.S().Debugf("DRY_RUN: rolling back message %s", msg.Fingerprint)
		return tx.Rollback(ctx)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// upsertDeviceState updates the device's attribute column, creating the row
// first for devices never seen before. Denylisted attributes never create a
// row; the event row from the surrounding transaction still persists.
func (c *Connection) upsertDeviceState(ctx context.Context, tx pgx.Tx, msg *shared.Message, attribute string) error {
	if !shared.ValidColumnName(attribute) {
		zap.S().Warnf("Attribute %q of topic %s is not usable as a column name, skipping device state update", attribute, msg.Topic)
		return nil
	}

	deviceType, err := c.resolveDeviceType(ctx, tx, msg.DeviceID)
	if err != nil {
		return err
	}

	column := pgx.Identifier{attribute}.Sanitize()

	switch deviceType {
	case shared.DeviceLegacy, shared.DeviceCurrent:
		idColumn := "imei"
		if deviceType == shared.DeviceLegacy {
			idColumn = "swd_imei"
		}
		//nolint:gosec // column passes ValidColumnName and is sanitized, values are bound
		updateSQL := fmt.Sprintf(`UPDATE things SET %s = $1, lastupdated = NOW() WHERE %s = $2`, column, idColumn)
		if _, err = tx.Exec(ctx, updateSQL, msg.Payload, msg.DeviceID); err != nil {
			return fmt.Errorf("failed to update %s device %s: %w", deviceType, msg.DeviceID, err)
		}
	default:
		if shared.IsDenylisted(attribute) {
			zap.S().Debugf("Attribute %s is denylisted, not creating a row for device %s", attribute, msg.DeviceID)
			return nil
		}
		newType := shared.DeviceCurrent
		idColumn := "imei"
		if shared.IsLegacyAttribute(attribute) {
			newType = shared.DeviceLegacy
			idColumn = "swd_imei"
		}
		//nolint:gosec // column passes ValidColumnName and is sanitized, values are bound
		insertSQL := fmt.Sprintf(`INSERT INTO things (%s, %s, lastupdated, firstseen) VALUES ($1, $2, NOW(), NOW())`, idColumn, column)
		if _, err = tx.Exec(ctx, insertSQL, msg.DeviceID, msg.Payload); err != nil {
			return fmt.Errorf("failed to insert new %s device %s: %w", newType, msg.DeviceID, err)
		}
		zap.S().Infof("New %s device %s first seen with attribute %s", newType, msg.DeviceID, attribute)
		if !c.dryRun {
			c.deviceTypeCache.Add(msg.DeviceID, newType)
		}
	}
	return nil
}

// resolveDeviceType decides whether an identifier addresses a legacy or a
// current device. The legacy column is probed first: when an identifier has
// rows under both lookup paths the legacy row wins, deterministically.
func (c *Connection) resolveDeviceType(ctx context.Context, tx pgx.Tx, deviceID string) (shared.DeviceType, error) {
	if cached, ok := c.deviceTypeCache.Get(deviceID); ok {
		return cached.(shared.DeviceType), nil
	}

	var found string
	err := tx.QueryRow(ctx, selectLegacySQL, deviceID).Scan(&found)
	if err == nil {
		c.deviceTypeCache.Add(deviceID, shared.DeviceLegacy)
		return shared.DeviceLegacy, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return shared.DeviceUnknown, fmt.Errorf("failed to probe legacy identifier %s: %w", deviceID, err)
	}

	err = tx.QueryRow(ctx, selectCurrentSQL, deviceID).Scan(&found)
	if err == nil {
		c.deviceTypeCache.Add(deviceID, shared.DeviceCurrent)
		return shared.DeviceCurrent, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return shared.DeviceUnknown, fmt.Errorf("failed to probe current identifier %s: %w", deviceID, err)
	}

	return shared.DeviceUnknown, nil
}

// addColumn creates the attribute column. ADD COLUMN IF NOT EXISTS makes the
// creation idempotent, duplicate triggers cannot corrupt the schema. Runs
// outside the message transaction so the schema change commits on its own.
func (c *Connection) addColumn(ctx context.Context, attribute string) error {
	if !shared.ValidColumnName(attribute) {
		return fmt.Errorf("refusing to create column for invalid attribute name %q", attribute)
	}

	//nolint:gosec // attribute passes ValidColumnName and is sanitized
	alterSQL := fmt.Sprintf(`ALTER TABLE things ADD COLUMN IF NOT EXISTS %s TEXT`, pgx.Identifier{attribute}.Sanitize())

	if c.dryRun {
		zap.S().Infof("DRY_RUN: %s", alterSQL)
		c.knownColumns[attribute] = true
		return nil
	}

	if _, err := c.Db.Exec(ctx, alterSQL); err != nil {
		return fmt.Errorf("failed to add column %s: %w", attribute, err)
	}
	zap.S().Infof("Created attribute column %s", attribute)
	c.knownColumns[attribute] = true
	return nil
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedColumnCode
}

func rollback(ctx context.Context, tx pgx.Tx, err error) error {
	if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		zap.S().Errorf("Rollback failed: %s", rbErr)
	}
	return err
}
