package heal

import (
	"regexp"
	"strings"
)

// Infrastructure phrases are tested in order before any usage rule. The
// matched phrase is kept so a later successful remediation can seed fix
// memory with it.
var (
	networkPhrases = []string{
		"no route to host",
		"connection refused",
		"timeout",
		"dial",
		"network unreachable",
		"connection reset",
		"no such host",
	}

	authPhrases = []string{
		"unauthorized",
		"401",
		"403",
		"forbidden",
		"token expired",
		"permission denied",
		"authentication failed",
	}

	timeoutPhrases = []string{
		"deadline exceeded",
		"timed out",
	}
)

// usageRule maps an error-text regex to a usage category. Capture group
// indexes pull out the offending parameter, the expected value or format,
// and the missing prerequisite; zero means the rule extracts nothing there.
type usageRule struct {
	category UsageCategory
	re       *regexp.Regexp
	param    int
	expected int
	prereq   int
}

var usageRules = []usageRule{
	{UsageIncorrectParameter, regexp.MustCompile(`(?i)invalid (?:value for |parameter |argument )['"]?([\w.-]+)['"]?`), 1, 0, 0},
	{UsageIncorrectParameter, regexp.MustCompile(`(?i)unknown (?:parameter|argument|flag|option):? ['"]?([\w.-]+)['"]?`), 1, 0, 0},
	{UsageIncorrectParameter, regexp.MustCompile(`(?i)parameter ['"]?([\w.-]+)['"]? is (?:invalid|not allowed|out of range)`), 1, 0, 0},

	{UsageParameterFormat, regexp.MustCompile(`(?i)['"]?([\w.-]+)['"]? (?:must be|must match|should be) (?:a |an )?([^:;.]+)`), 1, 2, 0},
	{UsageParameterFormat, regexp.MustCompile(`(?i)malformed ([\w.-]+)`), 1, 0, 0},
	{UsageParameterFormat, regexp.MustCompile(`(?i)expected ([\w\s-]+?) format`), 0, 1, 0},
	{UsageParameterFormat, regexp.MustCompile(`(?i)cannot (?:parse|unmarshal|decode) ['"]?([\w.-]+)['"]?`), 1, 0, 0},

	{UsageMissingPrerequisite, regexp.MustCompile(`(?i)requires ([\w\s.-]+?) (?:to run|first|before)`), 0, 0, 1},
	{UsageMissingPrerequisite, regexp.MustCompile(`(?i)(?:missing|no) ([\w\s.-]+?) (?:configured|installed|found|available)`), 0, 0, 1},
	{UsageMissingPrerequisite, regexp.MustCompile(`(?i)not (?:initialized|logged in|configured)`), 0, 0, 0},

	{UsageWorkflowSequence, regexp.MustCompile(`(?i)(?:must|should) (?:be )?(?:call|run|execute)\w* ['"]?([\w.-]+)['"]? (?:before|first)`), 0, 0, 1},
	{UsageWorkflowSequence, regexp.MustCompile(`(?i)(?:already|still) (?:running|in progress|locked)`), 0, 0, 0},
	{UsageWorkflowSequence, regexp.MustCompile(`(?i)out of order|wrong order|not ready yet`), 0, 0, 0},

	{UsageWrongTool, regexp.MustCompile(`(?i)use ['"]?([\w.-]+)['"]? instead`), 0, 1, 0},
	{UsageWrongTool, regexp.MustCompile(`(?i)not supported by this tool|wrong tool for`), 0, 0, 0},
}

// Classify categorizes one tool failure from its error text. It never
// fails: text nothing recognizes comes back as FailureUnknown. Rules are
// ordered, infrastructure before usage, network before auth before timeout.
func Classify(tool, errText string) Classification {
	lower := strings.ToLower(errText)

	for _, p := range networkPhrases {
		if strings.Contains(lower, p) {
			return Classification{Type: FailureInfrastructure, Infra: InfraNetwork, MatchedPhrase: p}
		}
	}
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return Classification{Type: FailureInfrastructure, Infra: InfraAuth, MatchedPhrase: p}
		}
	}
	for _, p := range timeoutPhrases {
		if strings.Contains(lower, p) {
			return Classification{Type: FailureInfrastructure, Infra: InfraTimeout, MatchedPhrase: p}
		}
	}

	for _, rule := range usageRules {
		m := rule.re.FindStringSubmatch(errText)
		if m == nil {
			continue
		}
		cls := Classification{
			Type:          FailureUsage,
			Usage:         rule.category,
			MatchedPhrase: m[0],
		}
		if rule.param > 0 && rule.param < len(m) {
			cls.Parameter = strings.TrimLeft(strings.TrimSpace(m[rule.param]), "-")
		}
		if rule.expected > 0 && rule.expected < len(m) {
			cls.Expected = strings.TrimSpace(m[rule.expected])
		}
		if rule.prereq > 0 && rule.prereq < len(m) {
			cls.Prerequisite = strings.TrimSpace(m[rule.prereq])
		}
		return cls
	}

	return Classification{Type: FailureUnknown}
}
