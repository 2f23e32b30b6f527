package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var tinyPNG = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fakechunkdata")...)

func TestFetchImageOutcomes(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
		want OutcomeKind
	}{
		{
			name: "valid png",
			h: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(tinyPNG)
			},
			want: OutcomeBytes,
		},
		{
			name: "not found",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			want: OutcomeAbsent,
		},
		{
			name: "rate limited",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: OutcomeRateLimited,
		},
		{
			name: "server error",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: OutcomeFailed,
		},
		{
			name: "html masquerading as 200",
			h: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>blocked</html>"))
			},
			want: OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.h)
			defer srv.Close()

			client := NewClient(Config{})
			out := client.FetchImage(context.Background(), srv.URL+"/x.png")
			require.Equal(t, tt.want, out.Kind)
			if tt.want == OutcomeBytes {
				require.Equal(t, tinyPNG, out.Data)
			}
		})
	}
}

func TestFetchImageCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	client := NewClient(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := client.FetchImage(ctx, srv.URL+"/x.png")
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Error(t, out.Err)
}

func TestThrottleBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		_, _ = w.Write(tinyPNG)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := client.FetchImage(context.Background(), srv.URL+"/x.png")
			require.Equal(t, OutcomeBytes, out.Kind)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestFetchMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"combinations": {}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{})
	data, err := client.FetchMetadata(context.Background(), srv.URL+"/1f600.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"combinations": {}}`, string(data))
}

func TestFetchMetadataNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(Config{})
	_, err := client.FetchMetadata(context.Background(), srv.URL+"/1f600.json")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Status)
}
