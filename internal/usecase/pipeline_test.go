package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KnowledgeScout/internal/domain"
)

type stubClassifier struct {
	req   domain.KnowledgeRequest
	err   error
	calls int
}

func (c *stubClassifier) Classify(context.Context, []domain.DialogueTurn, string) (domain.KnowledgeRequest, error) {
	c.calls++
	return c.req, c.err
}

type stubRetriever struct {
	bundle   []domain.KnowledgeItem
	err      error
	calls    int
	dialogue string
	turn     string
}

func (r *stubRetriever) Retrieve(ctx context.Context, _ domain.KnowledgeRequest, dialogue string) ([]domain.KnowledgeItem, error) {
	r.calls++
	r.dialogue = dialogue
	r.turn = turnID(ctx)
	return r.bundle, r.err
}

type bindingFunc func() error

func (f bindingFunc) Validate() error { return f() }

func TestPipelineResolve(t *testing.T) {
	t.Parallel()

	classifier := &stubClassifier{req: domain.KnowledgeRequest{RequiredDocs: docs("Kyoto", "wikipedia")}}
	retriever := &stubRetriever{bundle: []domain.KnowledgeItem{{Subject: "Kyoto", Kind: domain.KindDocSummary, Text: "city"}}}
	p := NewPipeline(PipelineDeps{Classifier: classifier, Retriever: retriever})

	history := []domain.DialogueTurn{{Role: "user", Speaker: "alice", Content: "I went to Kyoto"}}
	bundle, err := p.Resolve(context.Background(), history, "what is there to see?")
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	assert.Equal(t, "[alice] I went to Kyoto\n[user] what is there to see?", retriever.dialogue)
	assert.NotEmpty(t, retriever.turn)
}

func TestPipelineDegradesOnMalformedClassification(t *testing.T) {
	t.Parallel()

	classifier := &stubClassifier{err: fmt.Errorf("%w: no payload", domain.ErrMalformedClassification)}
	retriever := &stubRetriever{}
	p := NewPipeline(PipelineDeps{Classifier: classifier, Retriever: retriever})

	bundle, err := p.Resolve(context.Background(), nil, "hello")
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.Zero(t, retriever.calls)
}

func TestPipelineSkipsEmptyRequest(t *testing.T) {
	t.Parallel()

	retriever := &stubRetriever{}
	p := NewPipeline(PipelineDeps{Classifier: &stubClassifier{}, Retriever: retriever})

	bundle, err := p.Resolve(context.Background(), nil, "hello")
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.Zero(t, retriever.calls)
}

func TestPipelineSurfacesClassifierInvocationFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("provider down")
	p := NewPipeline(PipelineDeps{Classifier: &stubClassifier{err: boom}, Retriever: &stubRetriever{}})

	_, err := p.Resolve(context.Background(), nil, "hello")
	assert.ErrorIs(t, err, boom)
}

func TestPipelineValidatesBindings(t *testing.T) {
	t.Parallel()

	classifier := &stubClassifier{}
	p := NewPipeline(PipelineDeps{
		Classifier: classifier,
		Retriever:  &stubRetriever{},
		Bindings: []Binding{
			bindingFunc(func() error { return nil }),
			bindingFunc(func() error { return fmt.Errorf("filter model: %w", domain.ErrConfiguration) }),
		},
	})

	_, err := p.Resolve(context.Background(), nil, "hello")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, classifier.calls)

	_, err = NewPipeline(PipelineDeps{}).Resolve(context.Background(), nil, "hello")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestPipelineGate(t *testing.T) {
	t.Parallel()

	classifier := &stubClassifier{}
	p := NewPipeline(PipelineDeps{
		Classifier: classifier,
		Retriever:  &stubRetriever{},
		Gate:       Gate{Blacklist: []string{"/skip"}},
	})
	_, err := p.Resolve(context.Background(), nil, "/skip tell me about Kyoto")
	require.NoError(t, err)
	assert.Zero(t, classifier.calls)

	cases := []struct {
		gate Gate
		text string
		want bool
	}{
		{Gate{}, "anything", true},
		{Gate{Blacklist: []string{"secret"}}, "a secret plan", false},
		{Gate{WhitelistEnabled: true}, "anything", false},
		{Gate{WhitelistEnabled: true, Whitelist: []string{"who is"}}, "who is Saber", true},
		{Gate{WhitelistEnabled: true, Whitelist: []string{"who is"}, Blacklist: []string{"Saber"}}, "who is Saber", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.gate.Allows(tc.text), "gate %+v text %q", tc.gate, tc.text)
	}
}
