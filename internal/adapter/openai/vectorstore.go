package openai

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/goadesign/force-broker/internal/vectorstore"
)

// VectorStoreSDK captures the subset of the openai-go client's vector
// store and file services this provider needs, mirroring the ChatClient
// seam in client.go so tests can substitute a fake.
type VectorStoreSDK interface {
	CreateVectorStore(ctx context.Context) (id string, err error)
	UploadFile(ctx context.Context, name string, data []byte) (fileID string, err error)
	AddFileToVectorStore(ctx context.Context, vsID, fileID string) error
	DeleteVectorStore(ctx context.Context, vsID string) error
	ListVectorStoreIDs(ctx context.Context) ([]string, error)
}

type sdkVectorStoreClient struct {
	client openai.Client
}

func (s sdkVectorStoreClient) CreateVectorStore(ctx context.Context) (string, error) {
	vs, err := s.client.VectorStores.New(ctx, openai.VectorStoreNewParams{})
	if err != nil {
		return "", err
	}
	return vs.ID, nil
}

func (s sdkVectorStoreClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	f, err := s.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(strings.NewReader(string(data)), name, "application/octet-stream"),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (s sdkVectorStoreClient) AddFileToVectorStore(ctx context.Context, vsID, fileID string) error {
	_, err := s.client.VectorStores.Files.New(ctx, vsID, openai.VectorStoreFileNewParams{FileID: fileID})
	return err
}

func (s sdkVectorStoreClient) DeleteVectorStore(ctx context.Context, vsID string) error {
	_, err := s.client.VectorStores.Delete(ctx, vsID)
	return err
}

func (s sdkVectorStoreClient) ListVectorStoreIDs(ctx context.Context) ([]string, error) {
	var ids []string
	page, err := s.client.VectorStores.List(ctx, openai.VectorStoreListParams{})
	if err != nil {
		return nil, err
	}
	for page != nil {
		for _, vs := range page.Data {
			ids = append(ids, vs.ID)
		}
		page, err = page.GetNextPage()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// VectorStoreProvider implements vectorstore.Provider against OpenAI's
// vector store and files APIs. One provider-side index per local
// vectorstore.Record, content-hash-named uploads so a re-upload of an
// already-seen file is a harmless duplicate rather than a correctness bug.
type VectorStoreProvider struct {
	sdk VectorStoreSDK
}

// NewVectorStoreProvider builds a provider from an API key, sharing the
// same client construction shape as the chat adapter (New in client.go).
func NewVectorStoreProvider(apiKey string) *VectorStoreProvider {
	return &VectorStoreProvider{sdk: sdkVectorStoreClient{client: openai.NewClient(option.WithAPIKey(apiKey))}}
}

// NewVectorStoreProviderWithSDK builds a provider around a caller-supplied
// SDK seam, primarily for tests.
func NewVectorStoreProviderWithSDK(sdk VectorStoreSDK) *VectorStoreProvider {
	return &VectorStoreProvider{sdk: sdk}
}

var _ vectorstore.Provider = (*VectorStoreProvider)(nil)

func (p *VectorStoreProvider) CreateIndex(ctx context.Context) (string, error) {
	vsID, err := p.sdk.CreateVectorStore(ctx)
	if err != nil {
		return "", classifyError("adapter.openai.vectorstore", err)
	}
	return vsID, nil
}

func (p *VectorStoreProvider) UploadFiles(ctx context.Context, vsID string, files []vectorstore.FileRef) error {
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fileID, err := p.sdk.UploadFile(ctx, f.Hash, f.Data)
		if err != nil {
			return classifyError("adapter.openai.vectorstore", err)
		}
		if err := p.sdk.AddFileToVectorStore(ctx, vsID, fileID); err != nil {
			return classifyError("adapter.openai.vectorstore", err)
		}
	}
	return nil
}

func (p *VectorStoreProvider) DeleteIndex(ctx context.Context, vsID string) error {
	if err := p.sdk.DeleteVectorStore(ctx, vsID); err != nil {
		return classifyError("adapter.openai.vectorstore", err)
	}
	return nil
}

func (p *VectorStoreProvider) CountIndexes(ctx context.Context) (int, error) {
	ids, err := p.sdk.ListVectorStoreIDs(ctx)
	if err != nil {
		return 0, classifyError("adapter.openai.vectorstore", err)
	}
	return len(ids), nil
}
