package flightclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// Coefficients is a coefficient table as stored by MockClient.
type Coefficients struct {
	Covariates []string
	Strata     []string
	B          []float64
}

// MockClient is an in-memory DatasetClient for tests.
type MockClient struct {
	mu        sync.RWMutex
	connected bool
	datasets  map[string]*survdata.Dataset
	coefs     map[string]Coefficients
}

func NewMockClient() *MockClient {
	return &MockClient{
		datasets: make(map[string]*survdata.Dataset),
		coefs:    make(map[string]Coefficients),
	}
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// AddDataset makes d available under path.
func (m *MockClient) AddDataset(path string, d *survdata.Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[path] = d
}

func (m *MockClient) FetchDataset(ctx context.Context, path string) (*survdata.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	d, ok := m.datasets[path]
	if !ok {
		return nil, fmt.Errorf("flightclient: %q not found", path)
	}
	return d, nil
}

func (m *MockClient) PutCoefficients(ctx context.Context, path string, covariates, strata []string, b []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if len(b) != len(covariates)*len(strata) {
		return fmt.Errorf("%w: %d coefficients for %d covariates × %d strata", survdata.ErrInvalid, len(b), len(covariates), len(strata))
	}
	m.coefs[path] = Coefficients{
		Covariates: append([]string(nil), covariates...),
		Strata:     append([]string(nil), strata...),
		B:          append([]float64(nil), b...),
	}
	return nil
}

// Stored returns the coefficients last put under path.
func (m *MockClient) Stored(path string) (Coefficients, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coefs[path]
	return c, ok
}

func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets = make(map[string]*survdata.Dataset)
	m.coefs = make(map[string]Coefficients)
}
