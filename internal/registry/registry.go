// Package registry 读取 campaign 登记表（被追踪声音）与账号名单。
//
// 两者的加载失败对整次运行是致命的：没有登记表就没有可匹配的对象。
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/match"
)

var (
	ErrEmptyRegistry = errors.New("registry: no tracked sounds")
	ErrEmptyRoster   = errors.New("registry: no accounts")
)

var (
	soundIDCols  = []string{"Tiktok Sound ID", "Tiktok Sound", "Sound ID", "sound_id", "song_link", "Sound Link"}
	songCols     = []string{"Song", "song"}
	artistCols   = []string{"Artist", "artist", "Artist Name"}
	accountCols  = []string{"Account", "account", "Account URL", "URL", "account Handle", "Creator Handles"}
	soundKeyCols = []string{"sound_key", "Sound Key"}
	aliasCols    = []string{"aliases", "Aliases"}
)

// 按顺序尝试；第一个命中的决定 ID。
var soundIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`original-sound-(\d+)`),
	regexp.MustCompile(`song-(\d+)`),
	regexp.MustCompile(`music/[^-]+-(\d+)`),
	regexp.MustCompile(`-(\d+)$`),
}

var digitsRE = regexp.MustCompile(`^\d+$`)

// ExtractSoundID 从声音页 URL（或纯数字单元格）中提取声音 ID。
func ExtractSoundID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if digitsRE.MatchString(s) {
		return s, true
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if u, err := url.PathUnescape(s); err == nil {
		s = u
	}
	for _, re := range soundIDPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// LoadSounds 读取登记表文件。roster 用于展开“账号列为空”的行（授权给全部名单账号）。
func LoadSounds(path string, roster []domain.Account, log *slog.Logger) ([]domain.TrackedSound, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSounds(f, roster, log)
}

type soundBuilder struct {
	sound   domain.TrackedSound
	open    bool
	auth    map[domain.Account]struct{}
	aliases map[string]struct{}
}

// ParseSounds 解析登记表：每行是一个（声音, 账号）配对；同一声音（同 ID，否则同规范化 key）合并为一条，
// 授权账号取并集，顺序按首次出现。
func ParseSounds(r io.Reader, roster []domain.Account, log *slog.Logger) ([]domain.TrackedSound, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	idCols := t.cols(soundIDCols...)
	song, artist := t.col(songCols...), t.col(artistCols...)
	acctCols := t.cols(accountCols...)
	keyCol, aliasCol := t.col(soundKeyCols...), t.col(aliasCols...)
	if len(idCols) == 0 && song < 0 {
		return nil, fmt.Errorf("registry: 缺少声音列（需要 %q 或 %q 之一）", soundIDCols[0], songCols[0])
	}

	var builders []*soundBuilder
	byID := map[string]*soundBuilder{}
	byKey := map[string]*soundBuilder{}
	byLink := map[string]*soundBuilder{}

	for line, row := range t.rows {
		id, link := "", ""
		for _, i := range idCols {
			v := cell(row, i)
			if v == "" {
				continue
			}
			if link == "" && strings.Contains(v, "/") {
				link = v
			}
			if id == "" {
				if x, ok := ExtractSoundID(v); ok {
					id = x
				}
			}
		}
		s, a := cell(row, song), cell(row, artist)
		key := ""
		if s != "" {
			key = match.Key(s, a)
		}
		if id == "" && key == "" && link == "" {
			log.Warn("registry: row has no sound id, song or link, skipped", slog.Int("row", line+2))
			continue
		}

		var b *soundBuilder
		switch {
		case id != "" && byID[id] != nil:
			b = byID[id]
		case key != "" && byKey[key] != nil && (id == "" || byKey[key].sound.SoundID == nil):
			b = byKey[key]
		case id == "" && key == "" && byLink[link] != nil:
			b = byLink[link]
		}
		if b == nil {
			b = &soundBuilder{auth: map[domain.Account]struct{}{}, aliases: map[string]struct{}{}}
			builders = append(builders, b)
		}

		if id != "" && b.sound.SoundID == nil {
			b.sound.SoundID = domain.StrPtr(id)
			byID[id] = b
		}
		if b.sound.Song == "" && s != "" {
			b.sound.Song, b.sound.Artist = s, a
			b.sound.NormalizedSongKey = key
		}
		if key != "" && byKey[key] == nil {
			byKey[key] = b
		}
		if link != "" {
			if b.sound.SongLink == "" {
				b.sound.SongLink = link
			}
			if byLink[link] == nil {
				byLink[link] = b
			}
		}
		if b.sound.SoundKey == "" {
			b.sound.SoundKey = cell(row, keyCol)
		}
		for _, al := range strings.Split(cell(row, aliasCol), ";") {
			if al = strings.TrimSpace(al); al != "" {
				if _, dup := b.aliases[al]; !dup {
					b.aliases[al] = struct{}{}
					b.sound.Aliases = append(b.sound.Aliases, al)
				}
			}
		}

		raw := firstCell(row, acctCols)
		if raw == "" {
			b.open = true
			continue
		}
		accts := accountsIn(raw)
		if len(accts) == 0 {
			log.Warn("registry: unrecognized account cell", slog.Int("row", line+2), slog.String("value", raw))
		}
		for _, acc := range accts {
			if _, dup := b.auth[acc]; !dup {
				b.auth[acc] = struct{}{}
				b.sound.AuthorizedAccounts = append(b.sound.AuthorizedAccounts, acc)
			}
		}
	}

	out := make([]domain.TrackedSound, 0, len(builders))
	for _, b := range builders {
		if b.open {
			for _, acc := range roster {
				if _, dup := b.auth[acc]; !dup {
					b.auth[acc] = struct{}{}
					b.sound.AuthorizedAccounts = append(b.sound.AuthorizedAccounts, acc)
				}
			}
		}
		out = append(out, b.sound)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRegistry
	}
	return out, nil
}

var (
	profileRE = regexp.MustCompile(`tiktok\.com/@([\w.]+)`)
	mentionRE = regexp.MustCompile(`(?:^|[^\w.@])@([\w.]+)`)
)

// accountsIn 从一个单元格中提取所有账号（主页 URL、@user、或包含 @user 的文本）；
// 没有 @ 时把整个单元格当作裸用户名。
func accountsIn(s string) []domain.Account {
	var out []domain.Account
	seen := map[domain.Account]struct{}{}
	add := func(user string) {
		a, ok := domain.ParseAccount("@" + strings.TrimRight(user, "."))
		if !ok {
			return
		}
		if _, dup := seen[a]; !dup {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	for _, m := range profileRE.FindAllStringSubmatch(s, -1) {
		add(m[1])
	}
	if len(out) == 0 {
		for _, m := range mentionRE.FindAllStringSubmatch(s, -1) {
			add(m[1])
		}
	}
	if len(out) == 0 && !strings.Contains(s, "@") {
		if a, ok := domain.ParseAccount(s); ok {
			out = append(out, a)
		}
	}
	return out
}

// LoadRoster 读取账号名单文件。
func LoadRoster(path string) ([]domain.Account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRoster(f)
}

// ParseRoster 扫描每个单元格中的账号；表头为账号列的列同时接受裸用户名。
// 结果按首次出现去重。
func ParseRoster(r io.Reader) ([]domain.Account, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	bare := map[int]bool{}
	for _, i := range t.cols(accountCols...) {
		bare[i] = true
	}

	var out []domain.Account
	seen := map[domain.Account]struct{}{}
	scan := func(row []string, header bool) {
		for i, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if !header && !bare[i] && !strings.Contains(v, "@") {
				continue
			}
			if header && !strings.Contains(v, "@") {
				continue
			}
			for _, a := range accountsIn(v) {
				if _, dup := seen[a]; !dup {
					seen[a] = struct{}{}
					out = append(out, a)
				}
			}
		}
	}
	// 没有表头的名单：第一行本身也可能是账号。
	scan(t.header, true)
	for _, row := range t.rows {
		scan(row, false)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRoster
	}
	return out, nil
}

// RosterFromSounds 在没有名单文件时，用登记表中出现过的授权账号作为名单（保持首次出现顺序）。
func RosterFromSounds(sounds []domain.TrackedSound) []domain.Account {
	var out []domain.Account
	seen := map[domain.Account]struct{}{}
	for _, s := range sounds {
		for _, a := range s.AuthorizedAccounts {
			if _, dup := seen[a]; !dup {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}
