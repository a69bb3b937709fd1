package enrich

import (
	"strconv"
	"strings"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// Skill discriminators, matching the upstream @odata.type values.
const (
	SkillSplit       = "#Microsoft.Skills.Text.SplitSkill"
	SkillMerge       = "#Microsoft.Skills.Text.MergeSkill"
	SkillShaper      = "#Microsoft.Skills.Util.ShaperSkill"
	SkillConditional = "#Microsoft.Skills.Util.ConditionalSkill"
	SkillWebAPI      = "#Microsoft.Skills.Custom.WebApiSkill"
	SkillEmbedding   = "#Microsoft.Skills.Text.AzureOpenAIEmbeddingSkill"
)

// Text-split modes.
const (
	SplitModePages     = "pages"
	SplitModeSentences = "sentences"
)

// Defaults applied when a skill omits the corresponding setting.
const (
	DefaultContext           = "/document"
	DefaultMaximumPageLength = 4000
	DefaultWebAPIBatchSize   = 1000
	DefaultWebAPIParallelism = 5
	DefaultWebAPITimeout     = 30 * time.Second

	maxWebAPIParallelism = 10
)

// Built-in output names, as produced before targetName renaming.
const (
	splitOutputName       = "textItems"
	mergeOutputName       = "mergedText"
	shaperOutputName      = "output"
	conditionalOutputName = "output"
	embeddingOutputName   = "embedding"
)

// Skillset is an ordered list of skills executed per source document.
type Skillset struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Skills      []Skill `json:"skills"`
	ETag        string  `json:"@odata.etag,omitempty"`
}

// Skill is one pipeline step. The discriminator in Type selects the
// behavior; the remaining settings apply only to their own skill type and
// stay zero elsewhere, mirroring the upstream wire shape.
type Skill struct {
	Type        string          `json:"@odata.type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Context     string          `json:"context,omitempty"`
	Inputs      []InputBinding  `json:"inputs"`
	Outputs     []OutputBinding `json:"outputs"`

	// Text split.
	TextSplitMode     string `json:"textSplitMode,omitempty"`
	MaximumPageLength int    `json:"maximumPageLength,omitempty"`
	PageOverlapLength int    `json:"pageOverlapLength,omitempty"`

	// Text merge.
	InsertPreTag  string `json:"insertPreTag,omitempty"`
	InsertPostTag string `json:"insertPostTag,omitempty"`

	// Custom web API.
	URI                 string            `json:"uri,omitempty"`
	HTTPMethod          string            `json:"httpMethod,omitempty"`
	HTTPHeaders         map[string]string `json:"httpHeaders,omitempty"`
	Timeout             string            `json:"timeout,omitempty"`
	BatchSize           int               `json:"batchSize,omitempty"`
	DegreeOfParallelism int               `json:"degreeOfParallelism,omitempty"`

	// Azure OpenAI embedding.
	ResourceURI  string `json:"resourceUri,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
	ModelName    string `json:"modelName,omitempty"`
	Dimensions   int    `json:"dimensions,omitempty"`
}

// InputBinding names a skill input and the path (or, for conditions, the
// expression) it reads from.
type InputBinding struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// OutputBinding names a skill output and the node name it is written
// under. TargetName defaults to Name.
type OutputBinding struct {
	Name       string `json:"name"`
	TargetName string `json:"targetName,omitempty"`
}

// Target returns the node name the output is written under.
func (o OutputBinding) Target() string {
	if o.TargetName != "" {
		return o.TargetName
	}
	return o.Name
}

func (s *Skill) input(name string) (InputBinding, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputBinding{}, false
}

func (s *Skill) context() string {
	if s.Context == "" {
		return DefaultContext
	}
	return s.Context
}

// Validate enforces the structural invariants of a skillset definition.
func (ss *Skillset) Validate() error {
	if ss.Name == "" {
		return apperr.InvalidArgument("skillset name is required").WithTarget("name")
	}
	if len(ss.Skills) == 0 {
		return apperr.InvalidArgument("skillset must declare at least one skill").WithTarget("skills")
	}
	for i := range ss.Skills {
		if err := ss.Skills[i].validate(skillLabel(&ss.Skills[i], i)); err != nil {
			return err
		}
	}
	return nil
}

// skillLabel names a skill for warnings and errors: its declared name, or
// its ordinal as #1, #2, ... when unnamed.
func skillLabel(s *Skill, i int) string {
	if s.Name != "" {
		return s.Name
	}
	return "#" + strconv.Itoa(i+1)
}

func (s *Skill) validate(label string) error {
	if s.Context != "" {
		if _, err := splitPath(s.Context); err != nil {
			return apperr.InvalidArgument("skill %s: invalid context: %v", label, err).WithTarget("context")
		}
	}
	for _, in := range s.Inputs {
		if in.Name == "" {
			return apperr.InvalidArgument("skill %s: input with empty name", label).WithTarget("inputs")
		}
		if in.Source == "" {
			return apperr.InvalidArgument("skill %s: input %q has no source", label, in.Name).WithTarget("inputs")
		}
		if !strings.HasPrefix(in.Source, "/") && !strings.HasPrefix(in.Source, "=") {
			return apperr.InvalidArgument(
				"skill %s: input %q source must be a /path or an = expression", label, in.Name).WithTarget("inputs")
		}
	}
	for _, out := range s.Outputs {
		if out.Name == "" {
			return apperr.InvalidArgument("skill %s: output with empty name", label).WithTarget("outputs")
		}
	}

	switch s.Type {
	case SkillSplit:
		switch s.TextSplitMode {
		case "", SplitModePages, SplitModeSentences:
		default:
			return apperr.InvalidArgument(
				"skill %s: unknown textSplitMode %q", label, s.TextSplitMode).WithTarget("textSplitMode")
		}
		if s.MaximumPageLength < 0 {
			return apperr.InvalidArgument(
				"skill %s: maximumPageLength must be positive", label).WithTarget("maximumPageLength")
		}
		if s.PageOverlapLength < 0 {
			return apperr.InvalidArgument(
				"skill %s: pageOverlapLength must not be negative", label).WithTarget("pageOverlapLength")
		}
		if s.MaximumPageLength > 0 && s.PageOverlapLength >= s.MaximumPageLength {
			return apperr.InvalidArgument(
				"skill %s: pageOverlapLength must be smaller than maximumPageLength", label).WithTarget("pageOverlapLength")
		}
	case SkillMerge, SkillShaper, SkillConditional:
	case SkillWebAPI:
		if !strings.HasPrefix(s.URI, "http://") && !strings.HasPrefix(s.URI, "https://") {
			return apperr.InvalidArgument("skill %s: uri must be an http(s) URL", label).WithTarget("uri")
		}
		if s.Timeout != "" {
			if _, err := ParseISO8601Duration(s.Timeout); err != nil {
				return apperr.InvalidArgument("skill %s: %v", label, err).WithTarget("timeout")
			}
		}
		if s.BatchSize < 0 {
			return apperr.InvalidArgument("skill %s: batchSize must be positive", label).WithTarget("batchSize")
		}
		if s.DegreeOfParallelism < 0 || s.DegreeOfParallelism > maxWebAPIParallelism {
			return apperr.InvalidArgument(
				"skill %s: degreeOfParallelism must be between 1 and %d", label, maxWebAPIParallelism).WithTarget("degreeOfParallelism")
		}
	case SkillEmbedding:
		if s.ResourceURI == "" {
			return apperr.InvalidArgument("skill %s: resourceUri is required", label).WithTarget("resourceUri")
		}
		if s.DeploymentID == "" {
			return apperr.InvalidArgument("skill %s: deploymentId is required", label).WithTarget("deploymentId")
		}
		if s.Dimensions < 0 {
			return apperr.InvalidArgument("skill %s: dimensions must be positive", label).WithTarget("dimensions")
		}
	case "":
		return apperr.InvalidArgument("skill %s: missing @odata.type", label).WithTarget("skills")
	default:
		return apperr.InvalidArgument("skill %s: unknown skill type %q", label, s.Type).WithTarget("skills")
	}
	return nil
}
