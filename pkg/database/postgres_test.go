package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestBackoffCapsDelay(t *testing.T) {
	b := backoff{maxRetries: 5, delay: 500 * time.Millisecond, maxDelay: 5 * time.Second}
	assert.Equal(t, 500*time.Millisecond, b.nextDelay(0))
	assert.Equal(t, time.Second, b.nextDelay(1))
	assert.Equal(t, 4*time.Second, b.nextDelay(3))
	assert.Equal(t, 5*time.Second, b.nextDelay(4))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 25, o.MaxOpenConns)
	assert.Equal(t, 5, o.MaxRetries)

	o = Options{MaxOpenConns: 4, MaxRetries: 1}.withDefaults()
	assert.Equal(t, 4, o.MaxOpenConns)
	assert.Equal(t, 1, o.MaxRetries)
}

func TestLogModeReturnsCopy(t *testing.T) {
	l := zapGormLogger{zap: zap.NewNop(), level: gormlogger.Silent}
	verbose := l.LogMode(gormlogger.Info).(zapGormLogger)
	assert.Equal(t, gormlogger.Info, verbose.level)
	assert.Equal(t, gormlogger.Silent, l.level)
}
