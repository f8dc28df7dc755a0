package sdk

import (
	"strings"
)

// Shared tables every plugin may read.
var publicTables = map[string]bool{
	"credential_provider_plugins": true,
	"plugin_credentials":          true,
}

// Host tables no plugin namespace may claim, even when a plugin id collides
// with their name.
var hostTables = map[string]bool{
	"credential_provider_plugins": true,
	"plugin_credentials":          true,
	"plugin_storage":              true,
}

// PluginTablePrefix is the namespace owned by pluginID.
func PluginTablePrefix(pluginID string) string {
	return "plugin_" + strings.ReplaceAll(strings.ToLower(pluginID), "-", "_")
}

// IsAllowedTable reports whether pluginID may read table.
func IsAllowedTable(pluginID, table string) bool {
	t := strings.ToLower(table)
	return publicTables[t] || ownsTable(pluginID, t)
}

func ownsTable(pluginID, table string) bool {
	if isHostTable(table) {
		return false
	}
	prefix := PluginTablePrefix(pluginID)
	return table == prefix || strings.HasPrefix(table, prefix+"_") || strings.HasPrefix(table, prefix+".")
}

func isHostTable(table string) bool {
	if hostTables[table] {
		return true
	}
	if schema, _, ok := strings.Cut(table, "."); ok {
		return hostTables[schema]
	}
	return false
}

var writeVerbs = map[string]bool{
	"insert": true, "update": true, "delete": true, "replace": true,
	"create": true, "drop": true, "alter": true,
}

// CheckQuery admits a single SELECT whose referenced tables are all public
// or owned by pluginID.
func CheckQuery(pluginID, sql string) error {
	toks, err := tokenize(sql)
	if err != nil {
		return err
	}
	if len(toks) == 0 || toks[0] != "select" {
		return errorf(KindPermissionDenied, "only SELECT statements are allowed")
	}
	refs, err := tableRefs(toks)
	if err != nil {
		return err
	}
	for _, table := range refs {
		if !IsAllowedTable(pluginID, table) {
			return errorf(KindPermissionDenied, "table %q is not accessible to plugin %s", table, pluginID)
		}
	}
	return nil
}

// CheckExecute admits a single write statement that touches only tables
// owned by pluginID.
func CheckExecute(pluginID, sql string) error {
	toks, err := tokenize(sql)
	if err != nil {
		return err
	}
	if len(toks) == 0 || !writeVerbs[toks[0]] {
		return errorf(KindPermissionDenied, "statement type is not allowed")
	}
	refs, err := tableRefs(toks)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return errorf(KindPermissionDenied, "statement references no plugin table")
	}
	for _, table := range refs {
		if !ownsTable(pluginID, table) {
			return errorf(KindPermissionDenied, "plugin %s may only write tables prefixed %s", pluginID, PluginTablePrefix(pluginID))
		}
	}
	return nil
}

// TableRefs returns the lower-cased table names referenced by sql.
func TableRefs(sql string) ([]string, error) {
	toks, err := tokenize(sql)
	if err != nil {
		return nil, err
	}
	return tableRefs(toks)
}

// tableRefs collects identifiers that follow FROM, JOIN, INTO, UPDATE,
// TABLE or RENAME TO, including comma lists after FROM. Anything other than
// an identifier or an opening subquery in table position is denied.
func tableRefs(toks []string) ([]string, error) {
	var refs []string
	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "from", "join", "into", "table":
		case "update":
			// ON CONFLICT ... DO UPDATE SET
			if i > 0 && toks[i-1] == "do" {
				continue
			}
		case "to":
			if i == 0 || toks[i-1] != "rename" {
				continue
			}
		default:
			continue
		}
		j := i + 1
		if toks[i] == "table" {
			// CREATE TABLE IF NOT EXISTS x / DROP TABLE IF EXISTS x
			for j < len(toks) && (toks[j] == "if" || toks[j] == "not" || toks[j] == "exists") {
				j++
			}
		}
		for {
			if j >= len(toks) {
				return nil, errorf(KindInvalidArgument, "missing table name after %s", strings.ToUpper(toks[i]))
			}
			if toks[j] == "(" {
				break
			}
			if !isIdent(toks[j]) {
				return nil, errorf(KindPermissionDenied, "unrecognised table reference %q", toks[j])
			}
			refs = append(refs, toks[j])
			// FROM a, b, c: skip an optional alias before the comma.
			k := j + 1
			if k < len(toks) && toks[k] == "as" {
				k++
			}
			if k < len(toks) && isIdent(toks[k]) && !isKeyword(toks[k]) {
				k++
			}
			if toks[i] != "from" || k >= len(toks) || toks[k] != "," {
				break
			}
			j = k + 1
		}
		i = j
	}
	return refs, nil
}

// tokenize lower-cases sql into identifiers and punctuation, dropping string
// literals. Comments and stacked statements are rejected outright.
func tokenize(sql string) ([]string, error) {
	s := strings.TrimSpace(sql)
	s = strings.TrimRight(s, "; \t\r\n")
	if strings.Contains(s, "--") || strings.Contains(s, "/*") || strings.Contains(s, "#") {
		return nil, errorf(KindPermissionDenied, "SQL comments are not allowed")
	}

	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			flush()
			i++
			for i < len(s) {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			if i >= len(s) {
				return nil, errorf(KindInvalidArgument, "unterminated string literal")
			}
			toks = append(toks, "'")
		case c == '"' || c == '`' || c == '[':
			closing := c
			if c == '[' {
				closing = ']'
			}
			end := strings.IndexByte(s[i+1:], closing)
			if end < 0 {
				return nil, errorf(KindInvalidArgument, "unterminated quoted identifier")
			}
			cur.WriteString(s[i+1 : i+1+end])
			i += end + 1
		case c == ';':
			return nil, errorf(KindPermissionDenied, "multiple statements are not allowed")
		case isIdentByte(c):
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			flush()
			toks = append(toks, string(c))
		}
	}
	flush()
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if !isIdentByte(tok[i]) {
			return false
		}
	}
	return !isKeyword(tok)
}

var sqlKeywords = map[string]bool{
	"select": true, "where": true, "join": true, "left": true, "right": true, "inner": true,
	"outer": true, "cross": true, "on": true, "group": true, "order": true, "by": true,
	"limit": true, "offset": true, "union": true, "values": true, "set": true, "as": true,
	"having": true, "natural": true, "using": true, "from": true, "into": true,
}

func isKeyword(tok string) bool { return sqlKeywords[tok] }
