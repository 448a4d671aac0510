package match

import (
	"regexp"
	"strings"
)

// 括号内含这些词时视为版本修饰，规范化时整体去掉。
var qualifierWords = []string{
	"live", "remix", "edit", "slowed", "sped up", "speed up", "reverb", "version",
	"acoustic", "instrumental", "extended", "radio", "remaster", "remastered",
	"mix", "demo", "cover", "feat", "ft", "with", "prod", "nightcore", "8d",
}

var (
	bracketRE   = regexp.MustCompile(`[(\[{]([^)\]}]*)[)\]}]`)
	nonWordRE   = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	artistSepRE = regexp.MustCompile(`\s*(?:,|&|\+|/|\bfeat\.?|\bft\.?|\bx\b|\band\b|\bwith\b)\s*`)
)

// NormalizeTitle 小写、去掉版本修饰括号、压缩空白。
func NormalizeTitle(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'", "“", `"`, "”", `"`).Replace(s)
	s = bracketRE.ReplaceAllStringFunc(s, func(group string) string {
		inner := group[1 : len(group)-1]
		if isQualifier(inner) {
			return " "
		}
		return group
	})
	return collapse(s)
}

// NormalizeArtist 小写并压缩空白。
func NormalizeArtist(s string) string {
	return collapse(strings.ToLower(s))
}

// Key 返回规范化的 "title - artist"。
func Key(title, artist string) string {
	return NormalizeTitle(title) + " - " + NormalizeArtist(artist)
}

// SplitKey 把 "title - artist" 形式的文本拆开（按最后一个 " - "）并分别规范化。
// 没有分隔符时整体视为 title。
func SplitKey(s string) (song, artist string) {
	if i := strings.LastIndex(s, " - "); i >= 0 {
		return NormalizeTitle(s[:i]), NormalizeArtist(s[i+3:])
	}
	return NormalizeTitle(s), ""
}

func isQualifier(inner string) bool {
	words := strings.Fields(nonWordRE.ReplaceAllString(strings.ToLower(inner), " "))
	phrase := " " + strings.Join(words, " ") + " "
	for _, q := range qualifierWords {
		if strings.Contains(phrase, " "+q+" ") {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// artistTokens 拆分合作艺人（"a, b & c feat. d"）。
func artistTokens(s string) []string {
	parts := artistSepRE.Split(NormalizeArtist(s), -1)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// artistsAgree 判断两个艺人字段是否指向同一（组）艺人：整体相等或至少一个合作艺人相同。
func artistsAgree(a, b string) bool {
	a, b = NormalizeArtist(a), NormalizeArtist(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	for _, x := range artistTokens(a) {
		for _, y := range artistTokens(b) {
			if x == y {
				return true
			}
		}
	}
	return false
}

// prefixOnWord 判断较短的一方是否为较长一方的前缀，且前缀在词边界结束。
func prefixOnWord(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if !strings.HasPrefix(long, short) {
		return false
	}
	return len(long) == len(short) || long[len(short)] == ' '
}
