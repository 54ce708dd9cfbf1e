// Package mock provides a test double for [llm.Provider].
//
// Set response fields before use; zero values make methods return zero
// values and nil errors. All methods are safe for concurrent use.
//
//	p := &mock.Provider{
//	    CompleteResult: &llm.CompletionResponse{Content: `[]`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/llm"
)

// CompleteCall records one invocation of Complete.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// CompleteResult is returned by Complete. When CompleteResults is
	// non-empty it takes precedence and is consumed front-to-back.
	CompleteResult  *llm.CompletionResponse
	CompleteResults []*llm.CompletionResponse

	// CompleteErrors is consumed front-to-back before any result is
	// handed out; nil entries mean success. When exhausted, CompleteErr
	// applies.
	CompleteErrors []error
	CompleteErr    error

	// StreamChunks is emitted on the channel returned by
	// StreamCompletion before it closes.
	StreamChunks []llm.Chunk
	StreamErr    error

	// ProviderName is returned by Name; defaults to "mock".
	ProviderName string

	// CompleteCalls records every Complete invocation in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	if len(p.CompleteErrors) > 0 {
		err := p.CompleteErrors[0]
		p.CompleteErrors = p.CompleteErrors[1:]
		if err != nil {
			return nil, err
		}
	} else if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteResults) > 0 {
		r := p.CompleteResults[0]
		p.CompleteResults = p.CompleteResults[1:]
		return r, nil
	}
	return p.CompleteResult, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Name implements [llm.Provider].
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Calls returns a snapshot of recorded Complete invocations.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}
