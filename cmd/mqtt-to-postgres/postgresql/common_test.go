package postgresql

import (
	"testing"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
)

func CreateMockConnection(t *testing.T) *Connection {
	var c Connection

	deviceTypeCache, err := lru.NewARC(10)
	if err != nil {
		t.Fatalf("Failed to create device type cache: %v", err)
	}
	c.deviceTypeCache = deviceTypeCache
	c.knownColumns = make(map[string]bool)
	c.environment = "test"

	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	c.Db = mocked
	return &c
}

func TestCreateMockConnection(t *testing.T) {
	c := CreateMockConnection(t)
	assert.NotNil(t, c)
	assert.NotNil(t, c.Db)
	assert.NotNil(t, c.deviceTypeCache)
	assert.NotNil(t, c.knownColumns)
}
