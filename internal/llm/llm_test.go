package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/llm"
	"github.com/DeafMist/talent-digest/internal/models"
)

func TestParseFragments(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "json array", in: `["Led a team of 40", " Grew revenue 3x "]`, want: []string{"Led a team of 40", "Grew revenue 3x"}},
		{name: "fenced json", in: "```json\n[\"a\", \"b\"]\n```", want: []string{"a", "b"}},
		{name: "dash bullets", in: "- one\n- two\n\n- three", want: []string{"one", "two", "three"}},
		{name: "numbered", in: "1. one\n2) two", want: []string{"one", "two"}},
		{name: "empty", in: "   ", wantErr: true},
		{name: "empty array", in: "[]", wantErr: true},
		{name: "broken json", in: `["unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := llm.ParseFragments(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPromptCarriesContentFields(t *testing.T) {
	prompt := llm.BuildPrompt(llm.Fields{
		Title:           "Head of Data",
		Location:        "Lisbon",
		CompensationMin: 120000,
		CompensationMax: 140000,
		TenureYears:     3.5,
		Skills:          []string{"Spark", "dbt"},
	}, models.AudienceExecutive, 5, 6)

	require.Contains(t, prompt, "between 5 and 6")
	require.Contains(t, prompt, "Title: Head of Data")
	require.Contains(t, prompt, "Compensation: 120000-140000")
	require.Contains(t, prompt, "Tenure (years): 3.5")
	require.Contains(t, prompt, "Skills: Spark, dbt")
	require.NotContains(t, prompt, "Industry:")
	require.Contains(t, prompt, "leadership")
}

func TestLimitedRespectsContext(t *testing.T) {
	calls := 0
	inner := llm.GeneratorFunc(func(context.Context, llm.Fields, models.Audience) ([]string, error) {
		calls++
		return []string{"x"}, nil
	})
	limited := llm.NewLimited(inner, 0.001, 1)

	_, err := limited.Generate(context.Background(), llm.Fields{}, models.AudienceAll)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Generate(ctx, llm.Fields{}, models.AudienceAll)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestOpenAIGenerate(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test-model", body.Model)
		gotPrompt = body.Messages[len(body.Messages)-1].Content

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop",` +
			`"message":{"role":"assistant","content":"[\"one\",\"two\",\"three\",\"four\",\"five\"]"}}]}`))
	}))
	defer srv.Close()

	gen := llm.NewOpenAI("key", "test-model", srv.URL+"/v1", 5, 6)
	got, err := gen.Generate(context.Background(), llm.Fields{Title: "CFO"}, models.AudienceAdvisor)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three", "four", "five"}, got)
	require.Contains(t, gotPrompt, "Title: CFO")
}

func TestOpenAIGenerateSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	gen := llm.NewOpenAI("key", "m", srv.URL+"/v1", 5, 6)
	_, err := gen.Generate(context.Background(), llm.Fields{}, models.AudienceAll)
	require.Error(t, err)
}
