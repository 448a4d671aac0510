package domain

import (
	"regexp"
	"strings"
)

// Account 是平台账号句柄，规范化形态为 "@user"。
// 引擎只把它当作 key 使用，不关心账号的其它属性。
type Account string

var handleRE = regexp.MustCompile(`@([\w.]+)`)

// ParseAccount 把 "@user" / "user" / "https://www.tiktok.com/@user?lang=en" 规范化为 "@user"。
// 无法识别时返回 false。
func ParseAccount(s string) (Account, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if s == "" {
		return "", false
	}
	if m := handleRE.FindStringSubmatch(s); m != nil {
		return Account("@" + strings.ToLower(m[1])), true
	}
	// 裸用户名：不允许空白与路径分隔符（避免把整句文本当成账号）。
	if strings.ContainsAny(s, " \t/\\?&=:") {
		return "", false
	}
	return Account("@" + strings.ToLower(s)), true
}

// Username 返回去掉 "@" 前缀的用户名（用于拼接主页 URL 与缓存文件名）。
func (a Account) Username() string {
	return strings.TrimPrefix(string(a), "@")
}
