package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results frame by frame.
type MockDetector struct {
	mu      sync.Mutex
	batches [][]Detection
	err     error
	calls   int
	closed  bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetBatches sets the batches returned by successive Detect calls.
// Once they run out Detect returns no detections.
func (m *MockDetector) SetBatches(batches ...[]Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = batches
	m.calls = 0
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the next pre-configured batch or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrNotBound
	}

	i := m.calls
	m.calls++

	if m.err != nil {
		return nil, m.err
	}
	if i < len(m.batches) {
		return m.batches[i], nil
	}
	return nil, nil
}

// Calls returns how many times Detect was called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the mock as released.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockBinder hands out a MockDetector and remembers what it was bound with.
type MockBinder struct {
	Detector *MockDetector
	Err      error
	// OnBind, when set, is called before binding; tests use it to record ordering.
	OnBind func(BindParams)

	mu     sync.Mutex
	params BindParams
	bound  int
}

// NewMockBinder creates a MockBinder wrapping a fresh MockDetector.
func NewMockBinder() *MockBinder {
	return &MockBinder{Detector: NewMockDetector()}
}

// Bind validates params and returns the wrapped MockDetector.
func (b *MockBinder) Bind(params BindParams) (Detector, error) {
	if b.OnBind != nil {
		b.OnBind(params)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return nil, b.Err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	b.params = params
	b.bound++
	return b.Detector, nil
}

// Params returns the parameters of the last successful Bind.
func (b *MockBinder) Params() BindParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

// Bound returns how many times Bind succeeded.
func (b *MockBinder) Bound() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

// TagA returns a detection with a recognizable pose for tests.
func TagA() Detection {
	return Detection{
		ID:          0,
		Translation: [9]float64{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
}
