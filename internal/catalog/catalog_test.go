package catalog_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/catalog"
	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/config"
)

type noWait struct{}

func (noWait) Wait(context.Context) error { return nil }

func newClient(t *testing.T, srv *httptest.Server, retries int) *catalog.Client {
	t.Helper()
	cfg := config.SourceConfig{
		AirportsAPIURL: srv.URL + "/v1/airports",
		MaxRetries:     retries,
		RetryDelaySec:  0,
	}
	return catalog.New(srv.Client(), noWait{}, cfg, clock.NewSystem(), zap.NewNop())
}

func TestFetchAll_BareList(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"code":"kspb"},{"icao":"KORD"},{"id":"kbfi"}]`))
	}))
	defer srv.Close()

	airports, err := newClient(t, srv, 3).FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, airports, 3)
	assert.Equal(t, "KSPB", airports[0].Code)
	assert.Equal(t, "KORD", airports[1].Code)
	assert.Equal(t, "KBFI", airports[2].Code)
}

func TestFetchAll_WrappedList(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"airports", "data"} {
		key := key
		t.Run(key, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"` + key + `":[{"code":"KSPB"}]}`))
			}))
			defer srv.Close()

			airports, err := newClient(t, srv, 1).FetchAll(context.Background())
			require.NoError(t, err)
			require.Len(t, airports, 1)
			assert.Equal(t, "KSPB", airports[0].Code)
		})
	}
}

func TestFetchAll_RetriesThenFails(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv, 3).FetchAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAll_RecoversOnRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"code":"KSPB"}]`))
	}))
	defer srv.Close()

	airports, err := newClient(t, srv, 3).FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, airports, 1)
}

func TestSelect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()
	c := newClient(t, srv, 1)

	all := []catalog.Airport{{Code: "KSPB"}, {Code: "KORD"}, {Code: "KBFI"}}

	t.Run("ArchiveAll", func(t *testing.T) {
		got := c.Select(all, config.AirportsConfig{ArchiveAll: true})
		assert.Len(t, got, 3)
	})

	t.Run("SelectedCaseInsensitive", func(t *testing.T) {
		got := c.Select(all, config.AirportsConfig{Selected: []string{"kspb", "KBFI"}})
		require.Len(t, got, 2)
		assert.Equal(t, "KSPB", got[0].Code)
		assert.Equal(t, "KBFI", got[1].Code)
	})

	t.Run("MissingCodesAreNotFatal", func(t *testing.T) {
		got := c.Select(all, config.AirportsConfig{Selected: []string{"KSPB", "KNOPE"}})
		assert.Len(t, got, 1)
	})

	t.Run("NothingSelected", func(t *testing.T) {
		got := c.Select(all, config.AirportsConfig{})
		assert.Empty(t, got)
	})
}
