package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu         sync.Mutex
	texts      []string
	endpoint   string
	deployment string
	dimensions int
	fail       bool
}

func (f *fakeEmbedder) Embed(_ context.Context, endpoint, deployment, text string, dimensions int) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("model overloaded")
	}
	f.texts = append(f.texts, text)
	f.endpoint = endpoint
	f.deployment = deployment
	f.dimensions = dimensions
	return []float32{float32(len(text)), 1}, nil
}

func runSkillset(t *testing.T, ex *Executor, doc *Document, skills ...Skill) {
	t.Helper()
	ss := &Skillset{Name: "test-skillset", Skills: skills}
	require.NoError(t, ex.Run(context.Background(), ss, doc))
}

func TestSplitSkill_PagesMode(t *testing.T) {
	// Given: content that does not fit one 20-rune page
	doc := NewDocument()
	doc.Seed("content", "alpha beta. gamma delta. epsilon zeta.")

	// When: running a page split with overlap
	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:              SkillSplit,
		TextSplitMode:     SplitModePages,
		MaximumPageLength: 20,
		PageOverlapLength: 5,
		Inputs:            []InputBinding{{Name: "text", Source: "/document/content"}},
		Outputs:           []OutputBinding{{Name: "textItems", TargetName: "chunks"}},
	})

	// Then: chunks land under the target name, each within the page budget
	chunks, ok := doc.GetPath("/document/chunks")
	require.True(t, ok)
	items := chunks.Items()
	require.Len(t, items, 3)
	for _, item := range items {
		s, _ := item.StringValue()
		assert.LessOrEqual(t, len([]rune(s)), 20)
	}
	first, _ := items[0].StringValue()
	assert.Equal(t, "alpha beta.", first)

	// And: each page starts with the overlap tail of its predecessor
	second, _ := items[1].StringValue()
	assert.True(t, strings.HasPrefix(second, "beta."), second)
	assert.Empty(t, doc.Warnings())
}

func TestSplitSkill_SentencesMode(t *testing.T) {
	doc := NewDocument()
	doc.Seed("content", "One sentence. Two!\nThree?")

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:          SkillSplit,
		TextSplitMode: SplitModeSentences,
		Inputs:        []InputBinding{{Name: "text", Source: "/document/content"}},
		Outputs:       []OutputBinding{{Name: "textItems"}},
	})

	v, ok := doc.GetPath("/document/textItems")
	require.True(t, ok)
	assert.Equal(t, []any{"One sentence.", "Two!", "Three?"}, v.ToAny())
}

func TestSplitSkill_MissingInputWarnsAndSkips(t *testing.T) {
	// Given: a document without the field the skill reads
	doc := NewDocument()

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:    SkillSplit,
		Name:    "splitter",
		Inputs:  []InputBinding{{Name: "text", Source: "/document/content"}},
		Outputs: []OutputBinding{{Name: "textItems", TargetName: "chunks"}},
	})

	// Then: the skill is skipped with a warning; nothing is written
	warnings := doc.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "splitter")
	assert.Contains(t, warnings[0], "resolved to nothing")
	_, ok := doc.GetPath("/document/chunks")
	assert.False(t, ok)
}

func TestMergeSkill_ConcatenatesWithTags(t *testing.T) {
	doc := NewDocument()
	doc.Seed("content", "base text")
	doc.Seed("keyPhrases", []any{"alpha", "beta"})

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:          SkillMerge,
		InsertPreTag:  "[",
		InsertPostTag: "]",
		Inputs: []InputBinding{
			{Name: "text", Source: "/document/content"},
			{Name: "itemsToInsert", Source: "/document/keyPhrases"},
		},
		Outputs: []OutputBinding{{Name: "mergedText", TargetName: "merged"}},
	})

	v, ok := doc.GetPath("/document/merged")
	require.True(t, ok)
	s, _ := v.StringValue()
	assert.Equal(t, "base text [alpha] [beta]", s)
}

func TestShaperSkill_BuildsObjectFromInputs(t *testing.T) {
	doc := NewDocument()
	doc.Seed("title", "Moby")
	doc.Seed("rating", 4.5)

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type: SkillShaper,
		Inputs: []InputBinding{
			{Name: "name", Source: "/document/title"},
			{Name: "score", Source: "/document/rating"},
			{Name: "tags", Source: "/document/tags"},
		},
		Outputs: []OutputBinding{{Name: "output", TargetName: "shape"}},
	})

	v, ok := doc.GetPath("/document/shape")
	require.True(t, ok)
	shaped, ok := v.ToAny().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Moby", shaped["name"])
	assert.Equal(t, 4.5, shaped["score"])

	// And: inputs that matched nothing shape as null
	val, present := shaped["tags"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestConditionalSkill_Branches(t *testing.T) {
	conditional := func(condition string) Skill {
		return Skill{
			Type: SkillConditional,
			Inputs: []InputBinding{
				{Name: "condition", Source: condition},
				{Name: "whenTrue", Source: "/document/full"},
				{Name: "whenFalse", Source: "/document/summary"},
			},
			Outputs: []OutputBinding{{Name: "output", TargetName: "text"}},
		}
	}
	newDoc := func(language string) *Document {
		doc := NewDocument()
		doc.Seed("language", language)
		doc.Seed("full", "full text")
		doc.Seed("summary", "short")
		return doc
	}

	// Given: an equality condition that holds
	doc := newDoc("en")
	runSkillset(t, NewExecutor(nil, nil), doc, conditional("= $(/document/language) == 'en'"))
	v, _ := doc.GetPath("/document/text")
	s, _ := v.StringValue()
	assert.Equal(t, "full text", s)

	// Given: the same condition failing
	doc = newDoc("de")
	runSkillset(t, NewExecutor(nil, nil), doc, conditional("= $(/document/language) == 'en'"))
	v, _ = doc.GetPath("/document/text")
	s, _ = v.StringValue()
	assert.Equal(t, "short", s)

	// Given: a negated comparison
	doc = newDoc("de")
	runSkillset(t, NewExecutor(nil, nil), doc, conditional("= $(/document/language) != 'en'"))
	v, _ = doc.GetPath("/document/text")
	s, _ = v.StringValue()
	assert.Equal(t, "full text", s)

	// Given: a bare truthiness check on a missing node
	doc = newDoc("en")
	runSkillset(t, NewExecutor(nil, nil), doc, conditional("= $(/document/absent)"))
	v, _ = doc.GetPath("/document/text")
	s, _ = v.StringValue()
	assert.Equal(t, "short", s)
}

func TestEmbeddingSkill_RunsPerWildcardBinding(t *testing.T) {
	// Given: two string pages and an embedding skill over each
	doc := NewDocument()
	doc.Seed("pages", []any{"alpha page", "beta page"})
	fake := &fakeEmbedder{}

	runSkillset(t, NewExecutor(fake, nil), doc, Skill{
		Type:         SkillEmbedding,
		Context:      "/document/pages/*",
		ResourceURI:  "https://aoai.local",
		DeploymentID: "embed-3",
		Dimensions:   2,
		Inputs:       []InputBinding{{Name: "text", Source: "/document/pages/*"}},
		Outputs:      []OutputBinding{{Name: "embedding", TargetName: "vector"}},
	})

	// Then: the embedder saw each page with the skill's endpoint settings
	assert.Equal(t, []string{"alpha page", "beta page"}, fake.texts)
	assert.Equal(t, "https://aoai.local", fake.endpoint)
	assert.Equal(t, "embed-3", fake.deployment)
	assert.Equal(t, 2, fake.dimensions)

	// And: each page carries its vector annotation
	for _, path := range []string{"/document/pages/0/vector", "/document/pages/1/vector"} {
		v, ok := doc.GetPath(path)
		require.True(t, ok, path)
		vec, ok := v.VectorValue()
		require.True(t, ok, path)
		assert.Len(t, vec, 2)
	}
	assert.Empty(t, doc.Warnings())
}

func TestEmbeddingSkill_FailureWarnsAndContinues(t *testing.T) {
	doc := NewDocument()
	doc.Seed("content", "some text")
	fake := &fakeEmbedder{fail: true}

	runSkillset(t, NewExecutor(fake, nil), doc,
		Skill{
			Type:         SkillEmbedding,
			Name:         "embedder",
			ResourceURI:  "https://aoai.local",
			DeploymentID: "embed-3",
			Inputs:       []InputBinding{{Name: "text", Source: "/document/content"}},
			Outputs:      []OutputBinding{{Name: "embedding", TargetName: "vector"}},
		},
		Skill{
			Type:    SkillSplit,
			Inputs:  []InputBinding{{Name: "text", Source: "/document/content"}},
			Outputs: []OutputBinding{{Name: "textItems", TargetName: "chunks"}},
		})

	// Then: the failure is a warning and later skills still ran
	warnings := doc.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "model overloaded")
	_, ok := doc.GetPath("/document/vector")
	assert.False(t, ok)
	chunks, ok := doc.GetPath("/document/chunks")
	require.True(t, ok)
	assert.NotEmpty(t, chunks.Items())
}

type wireResult struct {
	RecordID string              `json:"recordId"`
	Data     map[string]any      `json:"data,omitempty"`
	Errors   []map[string]string `json:"errors,omitempty"`
}

func TestWebApiSkill_EnrichesEachRecord(t *testing.T) {
	// Given: an endpoint that answers every record with a sentiment
	var mu sync.Mutex
	var batchSizes []int
	var apiKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Values []struct {
				RecordID string         `json:"recordId"`
				Data     map[string]any `json:"data"`
			} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		batchSizes = append(batchSizes, len(req.Values))
		apiKeys = append(apiKeys, r.Header.Get("api-key"))
		mu.Unlock()
		results := make([]wireResult, 0, len(req.Values))
		for _, rec := range req.Values {
			text, _ := rec.Data["text"].(string)
			results = append(results, wireResult{
				RecordID: rec.RecordID,
				Data:     map[string]any{"sentiment": "positive", "length": float64(len(text))},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"values": results})
	}))
	defer srv.Close()

	doc := NewDocument()
	doc.Seed("pages", []any{"good day", "bad day"})

	// When: running the skill with one record per batch
	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:                SkillWebAPI,
		Context:             "/document/pages/*",
		URI:                 srv.URL,
		HTTPHeaders:         map[string]string{"api-key": "s3cr3t"},
		BatchSize:           1,
		DegreeOfParallelism: 2,
		Inputs:              []InputBinding{{Name: "text", Source: "/document/pages/*"}},
		Outputs: []OutputBinding{
			{Name: "sentiment"},
			{Name: "length", TargetName: "chars"},
		},
	})

	// Then: two batches went out, each carrying the configured header
	mu.Lock()
	assert.Equal(t, []int{1, 1}, batchSizes)
	for _, key := range apiKeys {
		assert.Equal(t, "s3cr3t", key)
	}
	mu.Unlock()

	// And: every page is annotated with the correlated outputs
	for i, wantLen := range []float64{8, 7} {
		base := "/document/pages/" + strconv.Itoa(i)
		v, ok := doc.GetPath(base + "/sentiment")
		require.True(t, ok)
		s, _ := v.StringValue()
		assert.Equal(t, "positive", s)
		n, ok := doc.GetPath(base + "/chars")
		require.True(t, ok)
		got, _ := n.NumberValue()
		assert.Equal(t, wantLen, got)
	}
	assert.Empty(t, doc.Warnings())
}

func TestWebApiSkill_ServerErrorBecomesWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	doc := NewDocument()
	doc.Seed("content", "text")

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:    SkillWebAPI,
		Name:    "sentiment",
		URI:     srv.URL,
		Inputs:  []InputBinding{{Name: "text", Source: "/document/content"}},
		Outputs: []OutputBinding{{Name: "sentiment"}},
	})

	// Then: the failed call is recorded and nothing is written
	warnings := doc.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "status 500")
	_, ok := doc.GetPath("/document/sentiment")
	assert.False(t, ok)
}

func TestWebApiSkill_PerRecordErrorWarns(t *testing.T) {
	// Given: an endpoint that fails the first record of each batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Values []struct {
				RecordID string         `json:"recordId"`
				Data     map[string]any `json:"data"`
			} `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]wireResult, 0, len(req.Values))
		for i, rec := range req.Values {
			if i == 0 {
				results = append(results, wireResult{
					RecordID: rec.RecordID,
					Errors:   []map[string]string{{"message": "unprocessable record"}},
				})
				continue
			}
			results = append(results, wireResult{
				RecordID: rec.RecordID,
				Data:     map[string]any{"sentiment": "positive"},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"values": results})
	}))
	defer srv.Close()

	doc := NewDocument()
	doc.Seed("pages", []any{"first", "second"})

	runSkillset(t, NewExecutor(nil, nil), doc, Skill{
		Type:    SkillWebAPI,
		Context: "/document/pages/*",
		URI:     srv.URL,
		Inputs:  []InputBinding{{Name: "text", Source: "/document/pages/*"}},
		Outputs: []OutputBinding{{Name: "sentiment"}},
	})

	// Then: the failed record warned, the healthy record was enriched
	warnings := doc.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "unprocessable record")
	_, ok := doc.GetPath("/document/pages/0/sentiment")
	assert.False(t, ok)
	v, ok := doc.GetPath("/document/pages/1/sentiment")
	require.True(t, ok)
	s, _ := v.StringValue()
	assert.Equal(t, "positive", s)
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := NewDocument()
	doc.Seed("content", "text")
	ss := &Skillset{Name: "s", Skills: []Skill{{
		Type:    SkillSplit,
		Inputs:  []InputBinding{{Name: "text", Source: "/document/content"}},
		Outputs: []OutputBinding{{Name: "textItems"}},
	}}}

	err := NewExecutor(nil, nil).Run(ctx, ss, doc)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSkillsetValidate(t *testing.T) {
	valid := func() *Skillset {
		return &Skillset{Name: "ss", Skills: []Skill{{
			Type:    SkillSplit,
			Inputs:  []InputBinding{{Name: "text", Source: "/document/content"}},
			Outputs: []OutputBinding{{Name: "textItems", TargetName: "chunks"}},
		}}}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Skillset)
		wantMsg string
	}{
		{
			name:    "missing name",
			mutate:  func(ss *Skillset) { ss.Name = "" },
			wantMsg: "name is required",
		},
		{
			name:    "no skills",
			mutate:  func(ss *Skillset) { ss.Skills = nil },
			wantMsg: "at least one skill",
		},
		{
			name:    "unknown type",
			mutate:  func(ss *Skillset) { ss.Skills[0].Type = "#Microsoft.Skills.Text.Sing" },
			wantMsg: "unknown skill type",
		},
		{
			name:    "bad split mode",
			mutate:  func(ss *Skillset) { ss.Skills[0].TextSplitMode = "words" },
			wantMsg: "textSplitMode",
		},
		{
			name: "overlap not smaller than page",
			mutate: func(ss *Skillset) {
				ss.Skills[0].MaximumPageLength = 100
				ss.Skills[0].PageOverlapLength = 100
			},
			wantMsg: "pageOverlapLength",
		},
		{
			name:    "input without source",
			mutate:  func(ss *Skillset) { ss.Skills[0].Inputs[0].Source = "" },
			wantMsg: "no source",
		},
		{
			name:    "relative source",
			mutate:  func(ss *Skillset) { ss.Skills[0].Inputs[0].Source = "document/content" },
			wantMsg: "must be a /path",
		},
		{
			name: "web api without scheme",
			mutate: func(ss *Skillset) {
				ss.Skills[0] = Skill{Type: SkillWebAPI, URI: "ftp://host"}
			},
			wantMsg: "http(s)",
		},
		{
			name: "web api bad timeout",
			mutate: func(ss *Skillset) {
				ss.Skills[0] = Skill{Type: SkillWebAPI, URI: "https://host", Timeout: "30s"}
			},
			wantMsg: "duration",
		},
		{
			name: "embedding without deployment",
			mutate: func(ss *Skillset) {
				ss.Skills[0] = Skill{Type: SkillEmbedding, ResourceURI: "https://host"}
			},
			wantMsg: "deploymentId",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ss := valid()
			tt.mutate(ss)
			err := ss.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
