// Package patterns tags generated artifacts with qualitative structure labels.
//
// Classification is rule based and pure: the same text (and prior tags) always
// yields the same result, with no I/O.
package patterns

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/jordanhubbard/converge/pkg/models"
)

// Tag names
const (
	CleanArchitecture     = "CLEAN_ARCHITECTURE"
	RobustErrorHandling   = "ROBUST_ERROR_HANDLING"
	IdempotentOperations  = "IDEMPOTENT_OPERATIONS"
	SelfDocumenting       = "SELF_DOCUMENTING"
	InputValidation       = "INPUT_VALIDATION"
	Tested                = "TESTED"
	LogicSpiral           = "LOGIC_SPIRAL"
	ErrorSwallowing       = "ERROR_SWALLOWING"
	TightCoupling         = "TIGHT_COUPLING"
	PrematureOptimization = "PREMATURE_OPTIMIZATION"
	RepeatedSimilarBlocks = "REPEATED_SIMILAR_BLOCKS"
	ValidationGap         = "VALIDATION_GAP"
)

// severityWeight maps a severity to the weight a tag contributes to scoring.
var severityWeight = map[models.Severity]float64{
	models.SeverityLow:      0.05,
	models.SeverityMedium:   0.10,
	models.SeverityHigh:     0.15,
	models.SeverityCritical: 0.20,
}

// WeightFor returns the scoring weight for a severity.
func WeightFor(s models.Severity) float64 {
	return severityWeight[s]
}

// Classification is the output of a single Classify call.
type Classification struct {
	// Tags are all detected tags sorted by name.
	Tags []models.PatternTag `json:"tags"`
	// Continuity holds the non-anti tags also present in the prior set.
	Continuity []models.PatternTag `json:"continuity,omitempty"`
}

// AntiPatterns returns the detected anti-pattern tags.
func (c Classification) AntiPatterns() []models.PatternTag {
	var out []models.PatternTag
	for _, t := range c.Tags {
		if t.AntiPattern {
			out = append(out, t)
		}
	}
	return out
}

type rule struct {
	tag      string
	severity models.Severity
	anti     bool
	match    func(a *analysis) bool
}

var (
	reDeclaration   = regexp.MustCompile(`(?m)^\s*(type\s+\w+\s+(struct|interface)|interface\s+\w+|class\s+\w+|module\s+\w+|trait\s+\w+)`)
	reFunction      = regexp.MustCompile(`(?m)^\s*(func\s|def\s|function\s|(public|private|protected)\s+[\w<>\[\]]+\s+\w+\s*\(|fn\s+\w+)`)
	reErrorHandled  = regexp.MustCompile(`if\s+err\s*!=\s*nil\s*\{\s*\n?\s*(return|log|panic|\w+\.\w+\()|catch\s*\(\s*\w+[^)]*\)\s*\{\s*[^\s}]|except\s+\w+[^:]*:\s*\n?\s*(raise|log|return|\w+\()|\.catch\(\s*\w+\s*=>\s*[^\s}]`)
	reIdempotent    = regexp.MustCompile(`(?i)idempoten|upsert|if\s+not\s+exists|on\s+conflict|setnx|compare-?and-?swap`)
	reComment       = regexp.MustCompile(`^\s*(//|#|/\*|\*|"""|--)`)
	reValidation    = regexp.MustCompile(`(?i)\bvalidat\w*\(|==\s*""|==\s*nil\b|\bis\s+None\b|<=?\s*0\b|raise\s+ValueError|throw\s+new\s+\w*(Validation|Argument|Range|Type)Error|errors\.New\("invalid|ErrInvalid`)
	reTest          = regexp.MustCompile(`func\s+Test\w*\(|\bdescribe\(|\bit\(\s*['"]|def\s+test_\w+|\bassert\w*[\s(.]|@Test\b`)
	reSwallow       = regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}|except[^:\n]*:\s*\n?\s*pass\b|_\s*=\s*err\b|if\s+err\s*!=\s*nil\s*\{\s*\}|\.catch\(\s*\(\s*\)\s*=>\s*\{\s*\}\s*\)`)
	reCoupling      = regexp.MustCompile(`\bnew\s+[A-Z]\w*\(|\bglobal\s+\w+|getInstance\(\)|\bwindow\.\w+|\bGLOBAL_\w+`)
	reOptimization  = regexp.MustCompile(`(?i)\bunsafe\.|sync\.Pool|\bmemoi[sz]\w*|#pragma|__builtin_|<<\s*\d+|>>\s*\d+|\binline\b|bit\s*twiddl`)
	reInputHandling = regexp.MustCompile(`(?i)req\.body|request\.(form|args|json|get_json)|r\.FormValue|json\.Unmarshal|\binput\(|sys\.argv|os\.Args|params\[|\.query\[`)
)

// rules is evaluated in order; output is re-sorted by tag name.
var rules = []rule{
	{CleanArchitecture, models.SeverityMedium, false, func(a *analysis) bool {
		return a.declarations >= 2 && a.functions >= 2 && a.maxDepth <= 3
	}},
	{RobustErrorHandling, models.SeverityHigh, false, func(a *analysis) bool {
		return reErrorHandled.MatchString(a.text)
	}},
	{IdempotentOperations, models.SeverityMedium, false, func(a *analysis) bool {
		return reIdempotent.MatchString(a.text)
	}},
	{SelfDocumenting, models.SeverityLow, false, func(a *analysis) bool {
		return a.codeLines > 0 && float64(a.commentLines)/float64(a.codeLines+a.commentLines) >= 0.1
	}},
	{InputValidation, models.SeverityMedium, false, func(a *analysis) bool {
		return a.validates
	}},
	{Tested, models.SeverityLow, false, func(a *analysis) bool {
		return reTest.MatchString(a.text)
	}},
	{LogicSpiral, models.SeverityHigh, true, func(a *analysis) bool {
		return a.maxDepth > 4
	}},
	{ErrorSwallowing, models.SeverityCritical, true, func(a *analysis) bool {
		return reSwallow.MatchString(a.text)
	}},
	{TightCoupling, models.SeverityMedium, true, func(a *analysis) bool {
		return len(reCoupling.FindAllStringIndex(a.text, -1)) >= 4
	}},
	{PrematureOptimization, models.SeverityLow, true, func(a *analysis) bool {
		return len(reOptimization.FindAllStringIndex(a.text, -1)) >= 2
	}},
	{RepeatedSimilarBlocks, models.SeverityMedium, true, func(a *analysis) bool {
		return a.maxRepeat >= 3
	}},
	{ValidationGap, models.SeverityHigh, true, func(a *analysis) bool {
		return reInputHandling.MatchString(a.text) && !a.validates
	}},
}

// analysis holds the structural measurements rules are evaluated against.
type analysis struct {
	text         string
	declarations int
	functions    int
	maxDepth     int
	codeLines    int
	commentLines int
	maxRepeat    int
	validates    bool
}

func analyze(text string) *analysis {
	a := &analysis{
		text:         text,
		declarations: len(reDeclaration.FindAllStringIndex(text, -1)),
		functions:    len(reFunction.FindAllStringIndex(text, -1)),
		maxDepth:     nestingDepth(text),
		validates:    reValidation.MatchString(text),
	}

	seen := make(map[string]int)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if reComment.MatchString(line) {
			a.commentLines++
			continue
		}
		a.codeLines++
		if len(trimmed) >= 20 {
			seen[trimmed]++
			if seen[trimmed] > a.maxRepeat {
				a.maxRepeat = seen[trimmed]
			}
		}
	}
	return a
}

// nestingDepth returns the deepest brace nesting, falling back to
// indentation depth for brace-free text.
func nestingDepth(text string) int {
	depth, maxDepth, braces := 0, 0, 0
	for _, r := range text {
		switch r {
		case '{':
			braces++
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	if braces > 0 {
		return maxDepth
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := 0
		for _, r := range line {
			if r == ' ' {
				indent++
			} else if r == '\t' {
				indent += 4
			} else {
				break
			}
		}
		if d := indent / 4; d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth
}

// Classify tags text and reports which positive tags carry over from prior.
// Empty, whitespace-only or invalid UTF-8 input yields an empty Classification.
func Classify(text string, prior []models.PatternTag) Classification {
	if strings.TrimSpace(text) == "" || !utf8.ValidString(text) {
		return Classification{}
	}

	a := analyze(text)
	tags := make([]models.PatternTag, 0, len(rules))
	for _, r := range rules {
		if !r.match(a) {
			continue
		}
		tags = append(tags, models.PatternTag{
			Tag:         r.tag,
			Severity:    r.severity,
			Weight:      severityWeight[r.severity],
			AntiPattern: r.anti,
		})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Tag < tags[j].Tag })

	return Classification{
		Tags:       tags,
		Continuity: Continuity(tags, prior),
	}
}

// Continuity returns the non-anti tags of current that also appear in prior.
func Continuity(current, prior []models.PatternTag) []models.PatternTag {
	if len(prior) == 0 {
		return nil
	}
	previous := make(map[string]bool, len(prior))
	for _, p := range prior {
		previous[p.Tag] = true
	}
	var out []models.PatternTag
	for _, t := range current {
		if !t.AntiPattern && previous[t.Tag] {
			out = append(out, t)
		}
	}
	return out
}

// driftWindow caps the runes of each artifact fed to the edit-distance
// computation, which is quadratic in its input.
const driftWindow = 4096

// Drift returns the normalized edit distance between two artifacts in [0, 1].
// 0 means identical; 1 means nothing in common.
//
// The shared prefix and suffix are stripped first. When the differing middles
// are still longer than driftWindow, the distance is estimated from the edit
// ratio of their leading and trailing halves of the window.
func Drift(prev, next string) float64 {
	if prev == next {
		return 0
	}
	a, b := []rune(prev), []rune(next)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}

	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	a, b = a[p:], b[p:]
	q := 0
	for q < len(a) && q < len(b) && a[len(a)-1-q] == b[len(b)-1-q] {
		q++
	}
	a, b = a[:len(a)-q], b[:len(b)-q]

	middle := len(a)
	if len(b) > middle {
		middle = len(b)
	}
	if middle <= driftWindow {
		return float64(levenshtein.ComputeDistance(string(a), string(b))) / float64(longest)
	}

	sa, sb := sample(a), sample(b)
	span := len(sa)
	if len(sb) > span {
		span = len(sb)
	}
	ratio := float64(levenshtein.ComputeDistance(string(sa), string(sb))) / float64(span)
	d := ratio * float64(middle)
	// The length difference is a lower bound on the edit distance.
	if gap := math.Abs(float64(len(a) - len(b))); d < gap {
		d = gap
	}
	return math.Min(d/float64(longest), 1)
}

// sample returns the first and last driftWindow/2 runes of r.
func sample(r []rune) []rune {
	if len(r) <= driftWindow {
		return r
	}
	half := driftWindow / 2
	out := make([]rune, 0, driftWindow)
	out = append(out, r[:half]...)
	return append(out, r[len(r)-half:]...)
}
