package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// Embedder produces embedding vectors through an external model endpoint.
// internal/embedclient provides the production implementation.
type Embedder interface {
	Embed(ctx context.Context, endpoint, deployment, text string, dimensions int) ([]float32, error)
}

// Executor runs skillsets over enriched documents.
type Executor struct {
	client   *http.Client
	embedder Embedder
}

// NewExecutor returns an executor. embedder may be nil when no embedding
// skills run. client nil selects a pooled default; skill timeouts are
// applied per request, so the client itself carries no deadline.
func NewExecutor(embedder Embedder, client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxWebAPIParallelism,
				MaxIdleConnsPerHost: maxWebAPIParallelism,
			},
		}
	}
	return &Executor{client: client, embedder: embedder}
}

// Run executes the skills in declaration order. Skill failures become
// warnings on the document and the pipeline continues; Run returns an
// error only when ctx is done.
func (e *Executor) Run(ctx context.Context, ss *Skillset, doc *Document) error {
	for i := range ss.Skills {
		if err := ctx.Err(); err != nil {
			return err
		}
		sk := &ss.Skills[i]
		if err := e.runSkill(ctx, sk, skillLabel(sk, i), doc); err != nil {
			return err
		}
	}
	slog.Debug("skillset_executed",
		slog.String("skillset", ss.Name),
		slog.Int("skills", len(ss.Skills)),
		slog.Int("warnings", len(doc.Warnings())))
	return nil
}

func (e *Executor) runSkill(ctx context.Context, sk *Skill, label string, doc *Document) error {
	ctxPath := sk.context()
	ctxSegs, err := splitPath(ctxPath)
	if err != nil {
		doc.Warn("skill %s: %v", label, err)
		return nil
	}
	bindings, err := doc.Expand(ctxPath)
	if err != nil {
		doc.Warn("skill %s: %v", label, err)
		return nil
	}
	if len(bindings) == 0 {
		doc.Warn("skill %s: context %q matched no nodes", label, ctxPath)
		return nil
	}

	if sk.Type == SkillWebAPI {
		return e.runWebAPI(ctx, sk, label, doc, ctxSegs, bindings)
	}

	for _, b := range bindings {
		outputs, err := e.invoke(ctx, sk, doc, ctxSegs, b)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			doc.Warn("skill %s at %s: %v", label, b.Path, err)
			continue
		}
		writeOutputs(doc, sk, label, b, outputs)
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	switch sk.Type {
	case SkillSplit:
		return runSplit(sk, doc, ctxSegs, b)
	case SkillMerge:
		return runMerge(sk, doc, ctxSegs, b)
	case SkillShaper:
		return runShaper(sk, doc, ctxSegs, b)
	case SkillConditional:
		return runConditional(sk, doc, ctxSegs, b)
	case SkillEmbedding:
		return e.runEmbedding(ctx, sk, doc, ctxSegs, b)
	default:
		return nil, fmt.Errorf("unknown skill type %q", sk.Type)
	}
}

// writeOutputs writes the produced values under the binding path, one per
// declared output. Values are cloned so tree positions never alias.
func writeOutputs(doc *Document, sk *Skill, label string, b Binding, outputs map[string]*Value) {
	for _, out := range sk.Outputs {
		v, ok := outputs[out.Name]
		if !ok {
			doc.Warn("skill %s: produced no output named %q", label, out.Name)
			continue
		}
		if err := doc.SetPath(b.Path+"/"+out.Target(), v.Clone()); err != nil {
			doc.Warn("skill %s: %v", label, err)
		}
	}
}

// stringInput resolves a required string input for one binding.
func stringInput(sk *Skill, doc *Document, ctxSegs []string, b Binding, name string) (string, error) {
	in, ok := sk.input(name)
	if !ok {
		return "", fmt.Errorf("missing required input %q", name)
	}
	v, ok := doc.resolveSource(in.Source, ctxSegs, b)
	if !ok || v.IsNull() {
		return "", fmt.Errorf("input %q resolved to nothing at %s", name, in.Source)
	}
	s, ok := v.StringValue()
	if !ok {
		return "", fmt.Errorf("input %q is not a string", name)
	}
	return s, nil
}

func runSplit(sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	text, err := stringInput(sk, doc, ctxSegs, b, "text")
	if err != nil {
		return nil, err
	}
	var parts []string
	switch sk.TextSplitMode {
	case "", SplitModePages:
		parts = splitPages(text, sk.MaximumPageLength, sk.PageOverlapLength)
	case SplitModeSentences:
		parts = splitSentences(text)
	default:
		return nil, fmt.Errorf("unknown textSplitMode %q", sk.TextSplitMode)
	}
	items := make([]*Value, len(parts))
	for i, p := range parts {
		items[i] = String(p)
	}
	return map[string]*Value{splitOutputName: Array(items...)}, nil
}

func runMerge(sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	var parts []string
	if in, ok := sk.input("text"); ok {
		if v, ok := doc.resolveSource(in.Source, ctxSegs, b); ok {
			if s, ok := v.StringValue(); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	in, ok := sk.input("itemsToInsert")
	if !ok {
		return nil, errors.New(`missing required input "itemsToInsert"`)
	}
	v, ok := doc.resolveSource(in.Source, ctxSegs, b)
	if !ok {
		return nil, fmt.Errorf(`input "itemsToInsert" resolved to nothing at %s`, in.Source)
	}
	items := v.Items()
	if items == nil {
		items = []*Value{v}
	}
	for _, item := range items {
		s, ok := item.textValue()
		if !ok {
			continue
		}
		parts = append(parts, sk.InsertPreTag+s+sk.InsertPostTag)
	}
	return map[string]*Value{mergeOutputName: String(strings.Join(parts, " "))}, nil
}

func runShaper(sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	if len(sk.Inputs) == 0 {
		return nil, errors.New("shaper declares no inputs")
	}
	obj := Object()
	for _, in := range sk.Inputs {
		v, ok := doc.resolveSource(in.Source, ctxSegs, b)
		if !ok {
			v = Null()
		}
		obj.SetField(in.Name, v.Clone())
	}
	return map[string]*Value{shaperOutputName: obj}, nil
}

var conditionRE = regexp.MustCompile(`^=\s*\$\(([^)]+)\)\s*(?:(==|!=)\s*(?:'([^']*)'|(\S+)))?\s*$`)

func runConditional(sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	condIn, ok := sk.input("condition")
	if !ok {
		return nil, errors.New(`missing required input "condition"`)
	}
	pass, err := evalCondition(condIn.Source, doc, ctxSegs, b)
	if err != nil {
		return nil, err
	}
	branch := "whenFalse"
	if pass {
		branch = "whenTrue"
	}
	out := Null()
	if in, ok := sk.input(branch); ok {
		if v, ok := doc.resolveSource(in.Source, ctxSegs, b); ok {
			out = v
		}
	}
	return map[string]*Value{conditionalOutputName: out}, nil
}

// evalCondition evaluates "= $(/path)" (truthiness), "= $(/path) == 'lit'"
// and "= $(/path) != 'lit'". A node with no text form compares as "null".
func evalCondition(expr string, doc *Document, ctxSegs []string, b Binding) (bool, error) {
	m := conditionRE.FindStringSubmatch(expr)
	if m == nil {
		return false, fmt.Errorf("unsupported condition expression %q", expr)
	}
	v, _ := doc.resolveSource(m[1], ctxSegs, b)
	if m[2] == "" {
		return truthy(v), nil
	}
	lit := m[3]
	if lit == "" && m[4] != "" {
		lit = m[4]
	}
	text, ok := v.textValue()
	if !ok {
		text = "null"
	}
	if m[2] == "==" {
		return text == lit, nil
	}
	return text != lit, nil
}

func truthy(v *Value) bool {
	switch v.Kind() {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		return v.str != ""
	default:
		return true
	}
}

func (e *Executor) runEmbedding(ctx context.Context, sk *Skill, doc *Document, ctxSegs []string, b Binding) (map[string]*Value, error) {
	text, err := stringInput(sk, doc, ctxSegs, b, "text")
	if err != nil {
		return nil, err
	}
	if e.embedder == nil {
		return nil, errors.New("no embedding client configured")
	}
	vec, err := e.embedder.Embed(ctx, sk.ResourceURI, sk.DeploymentID, text, sk.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return map[string]*Value{embeddingOutputName: Vector(vec)}, nil
}
