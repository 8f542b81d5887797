package database

import (
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

func TestMigrateCreatesPipelineTables(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	for _, model := range []interface{}{&models.Assignment{}, &models.AssignmentPolicy{}, &models.Submission{}, &models.SubmissionOverride{}} {
		require.True(t, db.Migrator().HasTable(model))
	}
	require.NoError(t, Migrate(db))
}

func TestApplyPool(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	require.NoError(t, applyPool(db, PoolConfig{MaxOpenConns: 3, MaxIdleConns: 1}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

func TestConnectRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client, err := ConnectRedis("redis://" + server.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = ConnectRedis("")
	require.Error(t, err)
	_, err = ConnectRedis("://bad")
	require.Error(t, err)
}

func TestConnectRequiresAddresses(t *testing.T) {
	_, err := ConnectPostgres("", PoolConfig{})
	require.Error(t, err)

	_, err = ConnectNATS("", "assess")
	require.Error(t, err)
}
