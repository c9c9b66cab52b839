package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompositeHealthChecker_NoChecks(t *testing.T) {
	status := NewCompositeHealthChecker("v1").Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "v1", status.Version)
}

func TestCompositeHealthChecker_AggregatesFailures(t *testing.T) {
	c := NewCompositeHealthChecker("v1")
	c.AddCheck("database", func(context.Context) error { return nil })
	c.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	c.AddCheck("cache", func(context.Context) error { return errors.New("timeout") })

	status := c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "failed: cache, redis", status.Message)
	assert.True(t, status.Checks["database"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestCompositeHealthChecker_Timeout(t *testing.T) {
	c := NewCompositeHealthChecker("v1")
	c.SetTimeout(10 * time.Millisecond)
	c.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Checks["slow"].Message, "deadline")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewPingCheck(t *testing.T) {
	want := errors.New("down")
	check := NewPingCheck(pingFunc(func(context.Context) error { return want }))
	assert.ErrorIs(t, check(context.Background()), want)
}
