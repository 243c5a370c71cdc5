package contentfilter

// DefaultInjectionPatterns mirrors the SQL-injection and XSS regex
// families the teacher hard-codes in internal/validation and
// internal/utils (sqlInjectionPatterns, xssPatterns) — adapted here from
// request-field validation into content-filter blocked-keyword patterns,
// opted into via Config.EnableDefaultInjectionPatterns.
func DefaultInjectionPatterns() []string {
	return []string{
		`(?i)(union\s+select|insert\s+into|delete\s+from|update\s+set|drop\s+table|create\s+table)`,
		`(?i)(exec\s*\(|execute\s*\(|sp_executesql)`,
		`(?i)(union.*select|select.*from.*where|1\s*=\s*1|1\s*or\s*1)`,
		`(?i)<script[^>]*>.*?</script>`,
		`(?i)javascript:`,
		`(?i)vbscript:`,
		`(?i)on\w+\s*=`,
		`(?i)<iframe[^>]*>`,
	}
}
