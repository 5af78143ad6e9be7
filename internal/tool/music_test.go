package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/validate"
)

func musicCall(t *testing.T, cp Capability, body string) Call {
	return Call{
		Request: mustRequest(t, cp, body),
		Secrets: staticSecrets{"MODELSLAB_API_KEY": "ml-key", "OPENAI_API_KEY": "oa-key"},
	}
}

func TestMusic_GeneratesAfterPolling(t *testing.T) {
	var polls atomic.Int32
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Method == http.MethodPost {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ml-key", body["key"])
		}
		switch r.URL.Path {
		case "/voice/music_gen":
			assert.Equal(t, "Upbeat jazz with brushed drums", body["prompt"])
			w.Write([]byte(`{"status":"processing","id":42,"eta":1}`))
		case "/voice/fetch/42":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"status":"processing","id":42}`))
				return
			}
			w.Write([]byte(`{"status":"success","id":42,"output":["` + srvURL + `/track.mp3"]}`))
		case "/track.mp3":
			w.Write([]byte("ID3-audio"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	dir := t.TempDir()
	model := &stubCompleter{reply: "Upbeat jazz with brushed drums"}
	cp := NewMusic(MusicConfig{LLM: model, BaseURL: srv.URL, OutputDir: dir, PollInterval: time.Millisecond})

	out, err := cp.Invoke(context.Background(), musicCall(t, cp, `{"prompt":"some jazz"}`))
	require.NoError(t, err)
	assert.Equal(t, "some jazz", out["prompt"])
	track := out["result"].(map[string]any)
	assert.Equal(t, srv.URL+"/track.mp3", track["audio_url"])

	file := track["file"].(string)
	assert.True(t, strings.HasPrefix(file, dir))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio", string(data))
	assert.Equal(t, int32(2), polls.Load())
}

func TestMusic_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"Invalid API key"}`))
	}))
	defer srv.Close()

	cp := NewMusic(MusicConfig{LLM: &stubCompleter{reply: "x"}, BaseURL: srv.URL})
	_, err := cp.Invoke(context.Background(), musicCall(t, cp, `{"prompt":"rock"}`))
	assert.Equal(t, domain.KindUpstreamError, kindOf(t, err))
	assert.NotContains(t, domain.AsToolError(err).Message(), "Invalid API key")
}

func TestMusic_PollingStopsAtDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"processing","id":7}`))
	}))
	defer srv.Close()

	cp := NewMusic(MusicConfig{LLM: &stubCompleter{reply: "x"}, BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cp.Invoke(ctx, musicCall(t, cp, `{"prompt":"ambient"}`))
	assert.Equal(t, domain.KindUpstreamUnavailable, kindOf(t, err))
}

func TestMusic_PromptBounds(t *testing.T) {
	cp := NewMusic(MusicConfig{MaxPromptRunes: 10})
	for _, body := range []string{`{"prompt":""}`, `{"prompt":"   "}`, `{"prompt":"ééééééééééé"}`, `{}`} {
		_, err := validate.Request(cp.Descriptor(), []byte(body), cp)
		assert.Equal(t, domain.KindValidation, kindOf(t, err), body)
	}
	_, err := validate.Request(cp.Descriptor(), []byte(`{"prompt":"éééééééééé"}`), cp)
	assert.NoError(t, err)
}

func TestMusic_DescriptorIsBilledAndGated(t *testing.T) {
	d := NewMusic(MusicConfig{}).Descriptor()
	assert.True(t, d.Billed)
	assert.ElementsMatch(t, []string{"MODELSLAB_API_KEY", "OPENAI_API_KEY"}, d.Credentials)
	assert.Equal(t, 120*time.Second, d.Timeout)
}
