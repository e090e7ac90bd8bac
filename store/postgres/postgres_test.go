package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/v-shavyaa/metaflow/store"
)

// getTestConfig returns a test configuration
// You can set environment variables to override defaults:
// - POSTGRES_HOST
// - POSTGRES_PORT
// - POSTGRES_USER
// - POSTGRES_PASSWORD
// - POSTGRES_DB
func getTestConfig() *Config {
	config := DefaultConfig()

	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		config.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		config.Password = password
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		config.Database = db
	}

	return config
}

// skipIfNoPostgres skips the test if PostgreSQL is not available
func skipIfNoPostgres(t *testing.T) store.Store {
	config := getTestConfig()
	s, err := NewPostgresStore(config)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
		return nil
	}
	return s
}

func TestPostgresStore_SetAndGet(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "/test/", "key1", []byte("value1"))
	assert.Nil(t, err)

	value, err := s.Get(ctx, "/test/", "key1")
	assert.Nil(t, err)
	assert.Equal(t, []byte("value1"), value)

	// non-existent key yields nil, not an error
	value, err = s.Get(ctx, "/test/", "non-existent")
	assert.Nil(t, err)
	assert.Nil(t, value)

	err = s.Remove(ctx, "/test/", "key1")
	assert.Nil(t, err)
}

func TestPostgresStore_Update(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "/test/", "key1", []byte("value1"))
	assert.Nil(t, err)

	err = s.Set(ctx, "/test/", "key1", []byte("value2"))
	assert.Nil(t, err)

	value, err := s.Get(ctx, "/test/", "key1")
	assert.Nil(t, err)
	assert.Equal(t, []byte("value2"), value)

	err = s.Remove(ctx, "/test/", "key1")
	assert.Nil(t, err)
}

func TestPostgresStore_Remove(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "/test/", "key1", []byte("value1"))
	assert.Nil(t, err)

	err = s.Remove(ctx, "/test/", "key1")
	assert.Nil(t, err)

	value, err := s.Get(ctx, "/test/", "key1")
	assert.Nil(t, err)
	assert.Nil(t, value)

	// removing a non-existent key is not an error
	err = s.Remove(ctx, "/test/", "non-existent")
	assert.Nil(t, err)
}

func TestPostgresStore_List(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "/test/", "key1", []byte("value1"))
	assert.Nil(t, err)
	err = s.Set(ctx, "/test/", "key2", []byte("value2"))
	assert.Nil(t, err)
	err = s.Set(ctx, "/test/", "key3", []byte("value3"))
	assert.Nil(t, err)

	err = s.Set(ctx, "/other/", "key1", []byte("other1"))
	assert.Nil(t, err)

	// listing yields keys and values of the prefix, in key order
	keys := make([]string, 0)
	values := make([][]byte, 0)
	err = s.List(ctx, "/test/", func(key string, value []byte) bool {
		keys = append(keys, key)
		values = append(values, value)
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"key1", "key2", "key3"}, keys)
	assert.Equal(t, [][]byte{[]byte("value1"), []byte("value2"), []byte("value3")}, values)

	// early termination
	count := 0
	err = s.List(ctx, "/test/", func(key string, value []byte) bool {
		count++
		return count < 2
	})
	assert.Nil(t, err)
	assert.Equal(t, 2, count)

	s.Remove(ctx, "/test/", "key1")
	s.Remove(ctx, "/test/", "key2")
	s.Remove(ctx, "/test/", "key3")
	s.Remove(ctx, "/other/", "key1")
}

func TestPostgresStore_ListEmpty(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	count := 0
	err := s.List(context.Background(), "/non-existent/", func(key string, value []byte) bool {
		count++
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig()
	err := config.Validate()
	assert.Nil(t, err)

	config = DefaultConfig()
	config.Host = ""
	err = config.Validate()
	assert.NotNil(t, err)

	config = DefaultConfig()
	config.Port = 0
	err = config.Validate()
	assert.NotNil(t, err)

	config = DefaultConfig()
	config.User = ""
	err = config.Validate()
	assert.NotNil(t, err)

	config = DefaultConfig()
	config.Database = ""
	err = config.Validate()
	assert.NotNil(t, err)

	config = DefaultConfig()
	config.SSLMode = "invalid"
	err = config.Validate()
	assert.NotNil(t, err)

	// Empty SSLMode should default to disable
	config = DefaultConfig()
	config.SSLMode = ""
	err = config.Validate()
	assert.Nil(t, err)
	assert.Equal(t, "disable", config.SSLMode)
}

func TestConfig_DSN(t *testing.T) {
	config := &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	dsn := config.DSN()
	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	assert.Equal(t, expected, dsn)
}

func TestParseDSN(t *testing.T) {
	dsn := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=require"
	config, err := ParseDSN(dsn)
	assert.Nil(t, err)
	assert.Equal(t, "localhost", config.Host)
	assert.Equal(t, 5432, config.Port)
	assert.Equal(t, "testuser", config.User)
	assert.Equal(t, "testpass", config.Password)
	assert.Equal(t, "testdb", config.Database)
	assert.Equal(t, "require", config.SSLMode)
}

func TestPostgresStore_BinaryData(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	defer s.Close()

	ctx := context.Background()

	binaryData := []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}
	err := s.Set(ctx, "/test/", "binary", binaryData)
	assert.Nil(t, err)

	value, err := s.Get(ctx, "/test/", "binary")
	assert.Nil(t, err)
	assert.Equal(t, binaryData, value)

	err = s.Remove(ctx, "/test/", "binary")
	assert.Nil(t, err)
}
