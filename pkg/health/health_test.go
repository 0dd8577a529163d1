package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_AllHealthyYieldsHealthyOverall(t *testing.T) {
	c := New()
	c.AddCheck("database", func(ctx context.Context) error { return nil })
	c.AddCheck("redis", func(ctx context.Context) error { return nil })

	resp := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestCheck_OneFailingCheckMakesOverallUnhealthy(t *testing.T) {
	c := New()
	c.AddCheck("database", func(ctx context.Context) error { return nil })
	c.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	resp := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["database"].Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["redis"].Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"].Error)
}

func TestCheck_DetailCheckReportsPerChannelStatus(t *testing.T) {
	c := New()
	c.AddDetailCheck("channels", func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"Security": "ok", "Sysmon": "access denied"}, errors.New("1 of 2 channel watchers unhealthy")
	})

	resp := c.Check(context.Background())
	result := resp.Checks["channels"]
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "ok", result.Detail["Security"])
	assert.Equal(t, "access denied", result.Detail["Sysmon"])
}

func TestRemoveCheck_DropsItFromSubsequentRuns(t *testing.T) {
	c := New()
	c.AddCheck("redis", func(ctx context.Context) error { return errors.New("down") })
	c.RemoveCheck("redis")

	resp := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}
