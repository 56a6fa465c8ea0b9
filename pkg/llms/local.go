package llms

import (
	"context"
	"sync"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/tokenizer"
)

// LocalDriver is the deterministic offline driver. It replays scripted
// replies and produces hash embeddings, which makes sessions reproducible
// for tests and demos without a model server.
type LocalDriver struct {
	cfg config.DriverConfig

	mu         sync.Mutex
	replies    []string
	lastTokens int
}

func NewLocalDriver(cfg config.DriverConfig) *LocalDriver {
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	return &LocalDriver{cfg: cfg}
}

// QueueReplies appends scripted replies consumed in order by the generate
// methods. When the script runs out, the driver proposes an orderly halt.
func (d *LocalDriver) QueueReplies(replies ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, replies...)
}

func (d *LocalDriver) next(fallback string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reply string
	if len(d.replies) > 0 {
		reply = d.replies[0]
		d.replies = d.replies[1:]
	} else {
		reply = fallback
	}
	d.lastTokens = tokenizer.Estimate(reply)
	return reply
}

const haltReply = `{"thought_process": "Script exhausted, halting for instructions.", "tool_call": "halt_and_ask", "target": "No scripted reply available."}`

func (d *LocalDriver) Embed(_ context.Context, text string) ([]float32, error) {
	return HashEmbedding(text), nil
}

func (d *LocalDriver) GenerateStructured(_ context.Context, _ StructuredRequest) (string, error) {
	return d.next(haltReply), nil
}

func (d *LocalDriver) GenerateStructuredStreaming(_ context.Context, _ StructuredRequest, onToken func(string)) (string, error) {
	reply := d.next(haltReply)
	if onToken != nil && reply != "" {
		onToken(reply)
	}
	return reply, nil
}

func (d *LocalDriver) GenerateRaw(_ context.Context, prompt, _ string) (string, error) {
	return d.next(prompt), nil
}

func (d *LocalDriver) ModelName() string {
	return d.cfg.Model
}

func (d *LocalDriver) LastTokenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTokens
}

func (d *LocalDriver) Close() error {
	return nil
}
