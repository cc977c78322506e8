package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/stickerbot/internal/bus"
)

type resolverFunc func(ctx context.Context, handle string) ([]byte, error)

func (f resolverFunc) Resolve(ctx context.Context, handle string) ([]byte, error) {
	return f(ctx, handle)
}

func TestFetch_URI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	data, err := New(time.Second, nil).Fetch(context.Background(), bus.ParseRef(srv.URL+"/a.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestFetch_AcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := New(time.Second, nil).Fetch(context.Background(), bus.ParseRef(srv.URL))
	assert.NoError(t, err)
}

func TestFetch_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(time.Second, nil).Fetch(context.Background(), bus.ParseRef(srv.URL+"/missing.png"))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
}

func TestFetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := New(time.Second, nil).Fetch(context.Background(), bus.ParseRef(srv.URL))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := New(50*time.Millisecond, nil).Fetch(context.Background(), bus.ParseRef(srv.URL))
	assert.Error(t, err)
}

func TestFetch_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := New(time.Second, nil)
	f.maxBytes = 16
	_, err := f.Fetch(context.Background(), bus.ParseRef(srv.URL))
	assert.Error(t, err)
}

func TestFetch_Handle(t *testing.T) {
	f := New(time.Second, resolverFunc(func(_ context.Context, handle string) ([]byte, error) {
		assert.Equal(t, "blob:https://web.whatsapp.com/1", handle)
		return []byte("blob-bytes"), nil
	}))
	data, err := f.Fetch(context.Background(), bus.ParseRef("blob:https://web.whatsapp.com/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-bytes"), data)
}

func TestFetch_HandleFailures(t *testing.T) {
	ref := bus.ParseRef("blob:https://web.whatsapp.com/1")

	_, err := New(time.Second, nil).Fetch(context.Background(), ref)
	assert.ErrorIs(t, err, ErrUnresolvable)

	f := New(time.Second, resolverFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("revoked")
	}))
	_, err = f.Fetch(context.Background(), ref)
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestFetch_RejectsOtherSchemes(t *testing.T) {
	_, err := New(time.Second, nil).Fetch(context.Background(), bus.Ref{URI: "file:///etc/passwd"})
	assert.Error(t, err)

	_, err = New(time.Second, nil).Fetch(context.Background(), bus.Ref{})
	assert.Error(t, err)
}
