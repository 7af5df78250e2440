package testutil

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/rules"
	"github.com/c360/refdata/storage"
)

// FetchResult is one scripted response of a MockFetcher.
type FetchResult struct {
	Rules []rules.Rule
	Err   error
}

// MockFetcher returns scripted results in order. Once the script runs out the
// last result repeats. OnFetch, when set, runs before every call.
type MockFetcher struct {
	mu      sync.Mutex
	results []FetchResult
	calls   int

	OnFetch func(call int)
}

// NewMockFetcher creates a fetcher with the given script.
func NewMockFetcher(results ...FetchResult) *MockFetcher {
	return &MockFetcher{results: results}
}

// FetchActiveRulesSortedByID returns the next scripted result.
func (m *MockFetcher) FetchActiveRulesSortedByID(ctx context.Context) ([]rules.Rule, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	var res FetchResult
	if len(m.results) > 0 {
		idx := call
		if idx >= len(m.results) {
			idx = len(m.results) - 1
		}
		res = m.results[idx]
	}
	hook := m.OnFetch
	m.mu.Unlock()

	if hook != nil {
		hook(call + 1)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return CloneRules(res.Rules), nil
}

// Calls returns the number of fetches so far.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// PublishCall records one call to MockPublisher.Publish.
type PublishCall struct {
	Rules []rules.Rule
	At    time.Time
}

// MockPublisher records publish calls. Errors pops one error per call from
// the front of the queue; an empty queue means success.
type MockPublisher struct {
	mu     sync.Mutex
	calls  []PublishCall
	errors []error
}

// NewMockPublisher creates a publisher that fails with errs on its first calls.
func NewMockPublisher(errs ...error) *MockPublisher {
	return &MockPublisher{errors: errs}
}

// Publish records the call.
func (m *MockPublisher) Publish(_ context.Context, rs []rules.Rule, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, PublishCall{Rules: CloneRules(rs), At: at})
	if len(m.errors) > 0 {
		err := m.errors[0]
		m.errors = m.errors[1:]
		return err
	}
	return nil
}

// Calls returns a copy of all recorded calls.
func (m *MockPublisher) Calls() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.calls...)
}

// MockStore is an in-memory storage.Store.
type MockStore struct {
	mu      sync.Mutex
	fs      afero.Fs
	objects map[string][]byte
	puts    int

	// PutErr, when set, fails every write
	PutErr error
}

var _ storage.Store = (*MockStore)(nil)

// NewMockStore creates a store that reads PutFile sources from fs.
func NewMockStore(fs afero.Fs) *MockStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MockStore{fs: fs, objects: make(map[string][]byte)}
}

// PutFile reads localPath from the store's filesystem and stores it under key.
func (m *MockStore) PutFile(ctx context.Context, key, localPath string) error {
	data, err := afero.ReadFile(m.fs, localPath)
	if err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrStagingFailed, err), "MockStore", "PutFile", "read "+localPath)
	}
	return m.Put(ctx, key, data)
}

// Put stores data under key.
func (m *MockStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.PutErr != nil {
		return m.PutErr
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get returns the object under key.
func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MockStore", "Get", "lookup "+key)
	}
	return data, nil
}

// List returns sorted keys with the given prefix.
func (m *MockStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []string{}
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key.
func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Puts returns the number of write attempts.
func (m *MockStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
