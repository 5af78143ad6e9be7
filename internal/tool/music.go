package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/domain"
	"toolgate/internal/llm"
)

const (
	defaultModelsLabBase = "https://modelslab.com/api/v6"
	modelsLabCredential  = "MODELSLAB_API_KEY"
	maxTrackBytes        = 64 << 20
)

// MusicConfig configures music generation. LLM composes the generation
// prompt; OutputDir, when set, receives a local copy of each track.
type MusicConfig struct {
	LLM            llm.Completer
	BaseURL        string
	OutputDir      string
	MaxPromptRunes int
	PollInterval   time.Duration
	Timeout        time.Duration
	Client         *http.Client
}

// Music generates an instrumental track from a description. Every call is
// billed by the provider, so the dispatcher never retries it.
type Music struct {
	llm       llm.Completer
	base      string
	outputDir string
	maxPrompt int
	poll      time.Duration
	timeout   time.Duration
	client    *http.Client
}

func NewMusic(cfg MusicConfig) *Music {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultModelsLabBase
	}
	if cfg.MaxPromptRunes <= 0 {
		cfg.MaxPromptRunes = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	return &Music{
		llm:       cfg.LLM,
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		outputDir: cfg.OutputDir,
		maxPrompt: cfg.MaxPromptRunes,
		poll:      cfg.PollInterval,
		timeout:   cfg.Timeout,
		client:    cfg.Client,
	}
}

func (m *Music) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		ID:          "music_generate",
		Path:        "/api/music/generate",
		Family:      "music",
		Description: "Generate an instrumental MP3 from a description of genre, instruments, tempo and mood.",
		Credentials: []string{modelsLabCredential, openAICredential},
		Input: domain.Schema{Fields: []domain.Field{
			{Name: "prompt", Type: domain.TypeString, Description: "Description of the music", Required: true, MinLength: 1, MaxLength: m.maxPrompt, Pattern: nonBlank},
		}},
		Output:  []string{"result", "prompt"},
		Timeout: m.timeout,
		Billed:  true,
	}
}

func (m *Music) Validate(domain.ToolRequest) error { return nil }

const musicSystemPrompt = `You write prompts for a music generation model. Expand the user's request into one
paragraph naming the genre and style, the instruments and sounds, the tempo, mood and emotional
qualities, and the structure (intro, verses, chorus, bridge). Describe a complete instrumental
piece. Reply with the prompt only.`

type modelsLabResponse struct {
	Status  string          `json:"status"`
	ID      json.Number     `json:"id"`
	Output  []string        `json:"output"`
	Message json.RawMessage `json:"message"`
	ETA     float64         `json:"eta"`
}

func (r modelsLabResponse) message() string {
	var s string
	if json.Unmarshal(r.Message, &s) == nil {
		return s
	}
	return string(r.Message)
}

func (m *Music) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if m.llm == nil {
		return nil, domain.Internal(fmt.Errorf("music: no language model configured"))
	}
	key := call.Secret(modelsLabCredential)
	prompt := call.Request.String("prompt")

	composed, err := m.llm.Complete(ctx, musicSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	composed = truncate(composed, 2000)

	resp, err := m.post(ctx, m.base+"/voice/music_gen", map[string]any{
		"key":    key,
		"prompt": composed,
		"base64": false,
	})
	if err != nil {
		return nil, err
	}
	for resp.Status == "processing" {
		if resp.ID == "" {
			return nil, domain.UpstreamError("music provider returned a malformed response", fmt.Errorf("processing without id"))
		}
		select {
		case <-ctx.Done():
			return nil, domain.Unavailable("music provider did not finish in time", ctx.Err())
		case <-time.After(m.poll):
		}
		resp, err = m.post(ctx, m.base+"/voice/fetch/"+resp.ID.String(), map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != "success" {
		return nil, domain.UpstreamError("music provider could not generate the track", fmt.Errorf("status %q: %s", resp.Status, resp.message()))
	}
	if len(resp.Output) == 0 || resp.Output[0] == "" {
		return nil, domain.UpstreamError("music provider returned no audio", nil)
	}

	track := map[string]any{
		"audio_url":   resp.Output[0],
		"prompt_used": composed,
		"format":      "mp3",
	}
	if m.outputDir != "" {
		file, err := m.download(ctx, resp.Output[0])
		if err != nil {
			return nil, err
		}
		track["file"] = file
	}
	return map[string]any{"result": track, "prompt": prompt}, nil
}

func (m *Music) post(ctx context.Context, endpoint string, body map[string]any) (modelsLabResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return modelsLabResponse{}, domain.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return modelsLabResponse{}, domain.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp modelsLabResponse
	if err := fetchJSON(m.client, req, "music provider", &resp); err != nil {
		return modelsLabResponse{}, err
	}
	if resp.Status == "" {
		return modelsLabResponse{}, domain.UpstreamError("music provider returned a malformed response", fmt.Errorf("missing status"))
	}
	return resp, nil
}

// download saves the track under outputDir with a random name.
func (m *Music) download(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", domain.UpstreamError("music provider returned an invalid audio URL", err)
	}
	data, err := fetchLimited(m.client, req, "music provider", maxTrackBytes)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", domain.UpstreamError("music provider returned an empty audio file", nil)
	}
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return "", domain.Internal(fmt.Errorf("create output dir: %w", err))
	}
	path := filepath.Join(m.outputDir, fmt.Sprintf("music_%s.mp3", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", domain.Internal(fmt.Errorf("write track: %w", err))
	}
	return path, nil
}
