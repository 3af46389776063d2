package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/convert/converttest"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/documents/documentstest"
	"github.com/yourusername/doc-forge/internal/logging"
	"github.com/yourusername/doc-forge/internal/storage"
)

const testOwner = "alice"

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	store    *RedisStore
	docStore *documentstest.Store
	docs     *documents.Service
	registry *Registry
	pub      *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	docStore := documentstest.NewStore()
	docs := documents.NewService(docStore, blobs, documents.Options{TempDir: t.TempDir()}, logging.Discard())

	store := NewRedisStore(rdb, time.Hour)
	return &testEnv{
		mr:       mr,
		rdb:      rdb,
		store:    store,
		docStore: docStore,
		docs:     docs,
		registry: NewRegistry(store, docs, RegistryOptions{MaxAttempts: 3}, logging.Discard()),
		pub:      &recordingPublisher{},
	}
}

func (e *testEnv) upload(t *testing.T, owner, filename string, body []byte) *documents.Document {
	t.Helper()
	doc, err := e.docs.Upload(context.Background(), documents.UploadInput{
		Owner:    owner,
		Filename: filename,
		Body:     bytes.NewReader(body),
	})
	require.NoError(t, err)
	return doc
}

func (e *testEnv) uploadPDF(t *testing.T, owner, filename string) *documents.Document {
	t.Helper()
	return e.upload(t, owner, filename, converttest.MinimalPDF(1))
}

func (e *testEnv) createTask(t *testing.T, kind Kind, params map[string]any, inputs ...string) *Task {
	t.Helper()
	task, err := e.registry.Create(context.Background(), CreateRequest{
		Kind:   kind,
		Inputs: inputs,
		Params: params,
		Owner:  testOwner,
	})
	require.NoError(t, err)
	return task
}

func (e *testEnv) worker(t *testing.T, conv convert.Converter) *Worker {
	t.Helper()
	return NewWorker(e.registry, e.docs, conv, WorkerOptions{WorkDir: t.TempDir()}, logging.Discard())
}

func (e *testEnv) realConverter() convert.Converter {
	return convert.NewService(convert.Options{SofficePath: "soffice"}, logging.Discard())
}

func (e *testEnv) outputsOf(t *testing.T, taskID string) []*documents.Document {
	t.Helper()
	docs, err := e.docStore.List(context.Background(), testOwner, documents.ListFilter{Limit: 1000})
	require.NoError(t, err)
	var out []*documents.Document
	for _, d := range docs {
		if d.SourceTaskID == taskID {
			out = append(out, d)
		}
	}
	return out
}

// recordingPublisher は Publish されたメッセージを記録します。
type recordingPublisher struct {
	mu     sync.Mutex
	msgs   []Message
	err    error
	onSend func(Message)
}

func (p *recordingPublisher) Publish(ctx context.Context, msg Message) error {
	if p.onSend != nil {
		p.onSend(msg)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

// converterFunc は関数を convert.Converter として使うためのアダプターです。
type converterFunc func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error)

func (f converterFunc) Execute(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
	return f(ctx, req, progress)
}

// copyConverter は最初の入力をそのまま PDF として返します。
func copyConverter() converterFunc {
	return func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		if len(req.Inputs) == 0 {
			return nil, errors.New("no inputs")
		}
		return &convert.Output{
			Path:        req.Inputs[0].Path,
			Filename:    "copy.pdf",
			ContentType: "application/pdf",
			Category:    documents.CategoryPDF,
		}, nil
	}
}
