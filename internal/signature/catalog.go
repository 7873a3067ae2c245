package signature

import (
	"regexp"

	"logward/internal/domain"
)

// Rule is one entry of the fixed attack-signature catalog. Patterns run
// against the percent-decoded, lowercased line.
type Rule struct {
	Category          string
	Pattern           *regexp.Regexp
	RiskLevel         domain.RiskLevel
	Summary           string
	RecommendedAction string
	Immediate         bool
	Confidence        int
	CVERefs           []string
}

// catalog is ordered: earlier rules are reported first when severities tie.
var catalog = []Rule{
	{
		Category:          "log4shell",
		Pattern:           regexp.MustCompile(`\$\{jndi:(?:ldaps?|rmi|dns|iiop|corba|nis)`),
		RiskLevel:         domain.RiskCritical,
		Summary:           "Log4Shell JNDI lookup injection",
		RecommendedAction: "block",
		Immediate:         true,
		Confidence:        98,
		CVERefs:           []string{"CVE-2021-44228", "CVE-2021-45046"},
	},
	{
		Category:          "shellshock",
		Pattern:           regexp.MustCompile(`\(\)\s*\{\s*:?;?\s*\};`),
		RiskLevel:         domain.RiskCritical,
		Summary:           "Shellshock bash environment injection",
		RecommendedAction: "block",
		Immediate:         true,
		Confidence:        95,
		CVERefs:           []string{"CVE-2014-6271"},
	},
	{
		Category:          "command_injection",
		Pattern:           regexp.MustCompile(`;\s*(?:wget|curl|nc|ncat|bash|sh|chmod|rm)\s|\|\s*(?:bash|sh|nc)\b|\$\((?:wget|curl|cat|id|whoami)|&&\s*(?:wget|curl|chmod)|/bin/(?:ba)?sh`),
		RiskLevel:         domain.RiskCritical,
		Summary:           "OS command injection attempt",
		RecommendedAction: "block",
		Immediate:         true,
		Confidence:        90,
	},
	{
		Category:          "sql_injection",
		Pattern:           regexp.MustCompile(`union[\s+]+(?:all[\s+]+)?select|select.{1,200}from.{1,200}information_schema|'\s*or\s*'?1'?\s*=\s*'?1|\bsleep\(\d+\)|benchmark\(\d+|load_file\(|into\s+(?:out|dump)file`),
		RiskLevel:         domain.RiskHigh,
		Summary:           "SQL injection attempt",
		RecommendedAction: "block",
		Immediate:         true,
		Confidence:        88,
	},
	{
		Category:          "path_traversal",
		Pattern:           regexp.MustCompile(`\.\./\.\./|\.\.\\\.\.\\|%2e%2e%2f|\.\.;/`),
		RiskLevel:         domain.RiskHigh,
		Summary:           "Directory traversal attempt",
		RecommendedAction: "block",
		Immediate:         true,
		Confidence:        90,
	},
	{
		Category:          "sensitive_file",
		Pattern:           regexp.MustCompile(`/etc/passwd|/etc/shadow|wp-config\.php|\.env\b|\.git/config|id_rsa|\.htpasswd|/proc/self/environ`),
		RiskLevel:         domain.RiskHigh,
		Summary:           "Sensitive file probe",
		RecommendedAction: "block",
		Confidence:        85,
	},
	{
		Category:          "php_cgi",
		Pattern:           regexp.MustCompile(`\?-d[\s+]*allow_url_include|php://input|auto_prepend_file`),
		RiskLevel:         domain.RiskHigh,
		Summary:           "PHP-CGI argument injection",
		RecommendedAction: "block",
		Confidence:        82,
		CVERefs:           []string{"CVE-2012-1823"},
	},
	{
		Category:          "xss",
		Pattern:           regexp.MustCompile(`<script\b|javascript:\s*[a-z(]|onerror\s*=|onload\s*=|document\.cookie|<img\s+src\s*=\s*x`),
		RiskLevel:         domain.RiskMedium,
		Summary:           "Cross-site scripting attempt",
		RecommendedAction: "monitor",
		Confidence:        75,
	},
	{
		Category:          "scanner_fingerprint",
		Pattern:           regexp.MustCompile(`sqlmap|nikto|masscan|dirbuster|gobuster|wfuzz|acunetix|nessus|zgrab|nuclei`),
		RiskLevel:         domain.RiskMedium,
		Summary:           "Known vulnerability scanner fingerprint",
		RecommendedAction: "rate_limit",
		Confidence:        70,
	},
	{
		Category:          "proto_pollution",
		Pattern:           regexp.MustCompile(`__proto__|constructor\s*\[\s*['"]prototype`),
		RiskLevel:         domain.RiskMedium,
		Summary:           "Prototype pollution payload",
		RecommendedAction: "monitor",
		Confidence:        72,
	},
}

// Catalog exposes a copy of the rule list for the admin surface.
func Catalog() []Rule {
	out := make([]Rule, len(catalog))
	copy(out, catalog)
	return out
}
