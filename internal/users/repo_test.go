package users

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/db/models"
)

func setupUsersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:users_repo_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`).Error)
	require.NoError(t, db.Exec(`DELETE FROM users`).Error)

	return db
}

func TestRepositoryListActiveIDs(t *testing.T) {
	db := setupUsersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	active1 := models.User{ID: uuid.New(), Email: "a@example.com", Role: "student", IsActive: true, CreatedAt: base}
	active2 := models.User{ID: uuid.New(), Email: "b@example.com", Role: "teacher", IsActive: true, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, db.Create(&active1).Error)
	require.NoError(t, db.Create(&active2).Error)
	inactive := models.User{ID: uuid.New(), Email: "c@example.com", Role: "student", IsActive: true}
	require.NoError(t, db.Create(&inactive).Error)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", inactive.ID).Update("is_active", false).Error)

	ids, err := repo.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{active1.ID, active2.ID}, ids)
}
