package shutdown

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&buf)

	m := New(time.Second, logger)
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	m.Register("third", func(context.Context) error { order = append(order, "third"); return nil })

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Contains(t, buf.String(), "second")
	assert.Contains(t, buf.String(), "boom")
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseResourceWrapsError(t *testing.T) {
	err := CloseResource(closer{errors.New("busy")}, "cache")(context.Background())
	assert.ErrorContains(t, err, "failed to close cache: busy")
	assert.NoError(t, CloseResource(closer{}, "cache")(context.Background()))
}
