package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/goadesign/force-broker/internal/memory"
)

// MemorySDK captures the subset of the vector store API the memory
// provider needs: file-per-entry indexing into one long-lived store, plus
// the store's similarity search endpoint.
type MemorySDK interface {
	EnsureVectorStore(ctx context.Context, name string) (id string, err error)
	UploadFile(ctx context.Context, name string, data []byte) (fileID string, err error)
	AddFileToVectorStore(ctx context.Context, vsID, fileID string) error
	SearchVectorStore(ctx context.Context, vsID, query string, limit int) ([]memory.SearchHit, error)
}

type sdkMemoryClient struct {
	client openai.Client

	mu       sync.Mutex
	storeIDs map[string]string
}

func (s *sdkMemoryClient) EnsureVectorStore(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.storeIDs[name]; ok {
		return id, nil
	}
	vs, err := s.client.VectorStores.New(ctx, openai.VectorStoreNewParams{Name: openai.String(name)})
	if err != nil {
		return "", err
	}
	if s.storeIDs == nil {
		s.storeIDs = make(map[string]string)
	}
	s.storeIDs[name] = vs.ID
	return vs.ID, nil
}

func (s *sdkMemoryClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	return sdkVectorStoreClient{client: s.client}.UploadFile(ctx, name, data)
}

func (s *sdkMemoryClient) AddFileToVectorStore(ctx context.Context, vsID, fileID string) error {
	return sdkVectorStoreClient{client: s.client}.AddFileToVectorStore(ctx, vsID, fileID)
}

func (s *sdkMemoryClient) SearchVectorStore(ctx context.Context, vsID, query string, limit int) ([]memory.SearchHit, error) {
	res, err := s.client.VectorStores.Search(ctx, vsID, openai.VectorStoreSearchParams{
		Query:         openai.VectorStoreSearchParamsQueryUnion{OfString: openai.String(query)},
		MaxNumResults: openai.Int(int64(limit)),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]memory.SearchHit, 0, len(res.Data))
	for _, r := range res.Data {
		var text string
		for _, c := range r.Content {
			text += c.Text
		}
		hits = append(hits, memory.SearchHit{
			MemoryID:    r.FileID,
			SummaryText: text,
			Score:       r.Score,
		})
	}
	return hits, nil
}

// MemoryProvider implements memory.Provider by indexing each recorded
// exchange as a file in one long-lived, lazily-created vector store and
// delegating similarity search to that store's search endpoint, reusing the
// exact wrapping shape VectorStoreProvider uses for the context assembler's
// overflow set since both sit on the same vector-store primitive.
type MemoryProvider struct {
	sdk       MemorySDK
	storeName string
}

// NewMemoryProvider builds a provider from an API key. storeName names the
// single vector store backing every session's memory entries.
func NewMemoryProvider(apiKey, storeName string) *MemoryProvider {
	if storeName == "" {
		storeName = "force-broker-memory"
	}
	return &MemoryProvider{
		sdk:       &sdkMemoryClient{client: openai.NewClient(option.WithAPIKey(apiKey))},
		storeName: storeName,
	}
}

// NewMemoryProviderWithSDK builds a provider around a caller-supplied SDK
// seam, primarily for tests.
func NewMemoryProviderWithSDK(sdk MemorySDK, storeName string) *MemoryProvider {
	return &MemoryProvider{sdk: sdk, storeName: storeName}
}

var _ memory.Provider = (*MemoryProvider)(nil)

func (p *MemoryProvider) Index(ctx context.Context, sessionID, toolName, summaryText string) (string, error) {
	vsID, err := p.sdk.EnsureVectorStore(ctx, p.storeName)
	if err != nil {
		return "", classifyError("adapter.openai.memory", err)
	}
	name := fmt.Sprintf("%s-%s.txt", sessionID, toolName)
	fileID, err := p.sdk.UploadFile(ctx, name, []byte(summaryText))
	if err != nil {
		return "", classifyError("adapter.openai.memory", err)
	}
	if err := p.sdk.AddFileToVectorStore(ctx, vsID, fileID); err != nil {
		return "", classifyError("adapter.openai.memory", err)
	}
	return fileID, nil
}

func (p *MemoryProvider) Search(ctx context.Context, query string, limit int) ([]memory.SearchHit, error) {
	vsID, err := p.sdk.EnsureVectorStore(ctx, p.storeName)
	if err != nil {
		return nil, classifyError("adapter.openai.memory", err)
	}
	hits, err := p.sdk.SearchVectorStore(ctx, vsID, query, limit)
	if err != nil {
		return nil, classifyError("adapter.openai.memory", err)
	}
	return hits, nil
}
