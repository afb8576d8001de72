package agent

import "regexp"

// secretPattern pairs a human-readable name with a detection regexp. The
// name is what the synthesized tool failure reports back to the model.
type secretPattern struct {
	name    string
	pattern *regexp.Regexp
}

// secretPatterns is the fixed set scanned against a staged diff before any
// git_checkpoint executes. Patterns favour precision: a false positive
// blocks a legitimate commit.
var secretPatterns = []secretPattern{
	{"AWS Access Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"Generic API Key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)['"]?\s*[:=]\s*['"][A-Za-z0-9_\-]{16,}['"]`)},
	{"Private Key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{"GitHub Token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"Netlify Token", regexp.MustCompile(`nfp_[A-Za-z0-9]{36,}`)},
	{"Vercel Token", regexp.MustCompile(`(?i)vercel[_-]?token['"]?\s*[:=]\s*['"]?[A-Za-z0-9]{24}`)},
	{"Terraform Cloud Token", regexp.MustCompile(`[A-Za-z0-9]{14}\.atlasv1\.[A-Za-z0-9_\-]{40,}`)},
	{"Database Connection String", regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb(\+srv)?|redis)://[^\s:@/]+:[^\s@/]+@`)},
	{"Bearer Token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.=]{20,}`)},
	{"Anthropic API Key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
}

// ScanForSecrets returns the names of every secret pattern found in the
// text, in pattern order, deduplicated. An empty result means the text is
// clean.
func ScanForSecrets(text string) []string {
	var found []string
	for _, sp := range secretPatterns {
		if sp.pattern.MatchString(text) {
			found = append(found, sp.name)
		}
	}
	return found
}
