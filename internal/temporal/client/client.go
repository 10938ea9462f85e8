package client

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"google.golang.org/grpc"

	"github.com/jordanhubbard/converge/pkg/config"
)

const (
	maxDialAttempts = 5
	baseDialDelay   = 2 * time.Second
	dialTimeout     = 15 * time.Second
)

// Client wraps the Temporal client with the settings the session ledger needs
type Client struct {
	temporal client.Client
	config   *config.TemporalConfig
}

// New dials the Temporal frontend, retrying with exponential backoff.
func New(ctx context.Context, cfg *config.TemporalConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDialDelay * time.Duration(1<<uint(attempt-1)) // 2s, 4s, 8s, 16s
			log.Printf("[Temporal] Retrying connection in %v (attempt %d/%d)", delay, attempt+1, maxDialAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("temporal connection cancelled: %w", ctx.Err())
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		c, err := client.DialContext(dialCtx, client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    &temporalLogger{},
			ConnectionOptions: client.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithBlock(),
					grpc.FailOnNonTempDialError(false),
				},
			},
		})
		cancel()

		if err == nil {
			log.Printf("[Temporal] Connected to %s (namespace: %s)", cfg.Host, cfg.Namespace)
			return &Client{temporal: c, config: cfg}, nil
		}
		lastErr = err
		log.Printf("[Temporal] Connection attempt %d failed: %v", attempt+1, err)
	}

	return nil, fmt.Errorf("failed to create temporal client after %d attempts: %w", maxDialAttempts, lastErr)
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// GetTaskQueue returns the configured task queue
func (c *Client) GetTaskQueue() string {
	return c.config.TaskQueue
}

// SignalWithStartWorkflow signals a workflow, starting it first if it is not running.
func (c *Client) SignalWithStartWorkflow(ctx context.Context, workflowID, signalName string, signalArg interface{},
	options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error) {
	return c.temporal.SignalWithStartWorkflow(ctx, workflowID, signalName, signalArg, options, workflow, workflowArgs...)
}

// QueryWorkflow sends a query to a running or completed workflow
func (c *Client) QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error) {
	return c.temporal.QueryWorkflow(ctx, workflowID, runID, queryType, args...)
}

// temporalLogger routes SDK logs through the standard logger
type temporalLogger struct{}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal INFO] %s %v", msg, keyvals)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal WARN] %s %v", msg, keyvals)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal ERROR] %s %v", msg, keyvals)
}
