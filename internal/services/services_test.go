package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSTTTranscribe(t *testing.T) {
	audio := []byte{0x01, 0x02, 0x03, 0x04}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stt", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			AudioData string `json:"audio_data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got, err := base64.StdEncoding.DecodeString(req.AudioData)
		require.NoError(t, err)
		assert.Equal(t, audio, got)

		json.NewEncoder(w).Encode(map[string]any{
			"text":       "  what are the library hours  ",
			"language":   "en",
			"confidence": 0.93,
		})
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, time.Second, zerolog.Nop())
	text, err := c.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "what are the library hours", text)
}

func TestSTTEmptyTextIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "   "})
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, time.Second, zerolog.Nop())
	text, err := c.Transcribe(context.Background(), []byte("pcm"))
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestSTTServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Transcribe(context.Background(), []byte("pcm"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTranscriptionFailed))
}

func TestChatSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)

		var req struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what are the library hours", req.Message)

		json.NewEncoder(w).Encode(map[string]string{
			"response": "The library is open 8am to 10pm on weekdays.",
		})
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, time.Second, zerolog.Nop())
	reply, err := c.Send(context.Background(), "what are the library hours")
	require.NoError(t, err)
	assert.Equal(t, "The library is open 8am to 10pm on weekdays.", reply)
}

func TestChatEmptyReplyIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": ""})
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChatFailed))
}

func TestChatMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>gateway error</html>")
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChatFailed))
}

func TestChatNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChatFailed))
}

func TestAnimationFetchReturnsRawArchive(t *testing.T) {
	archive := []byte("PK\x03\x04fake-zip-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text2animation", r.URL.Path)

		var req struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello there!", req.Text)

		w.Header().Set("Content-Type", "application/zip")
		w.Write(archive)
	}))
	defer srv.Close()

	c := NewAnimationClient(srv.URL, time.Second, zerolog.Nop())
	data, err := c.Fetch(context.Background(), "Hello there!")
	require.NoError(t, err)
	assert.Equal(t, archive, data)
}

func TestAnimationFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tts backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAnimationClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Fetch(context.Background(), "Hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnimationFailed))
}

func TestHealthEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx := context.Background()
	assert.NoError(t, NewSTTClient(srv.URL, time.Second, zerolog.Nop()).Health(ctx))
	assert.NoError(t, NewChatClient(srv.URL, time.Second, zerolog.Nop()).Health(ctx))
	assert.NoError(t, NewAnimationClient(srv.URL, time.Second, zerolog.Nop()).Health(ctx))

	bad := NewChatClient(srv.URL+"/missing", time.Second, zerolog.Nop())
	assert.Error(t, bad.Health(ctx))
}
