package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/source"
)

// 详情页 body 上限；正常页面远小于此值。
const maxPageBytes = 8 << 20

// Detail 抓取视频详情页 / 声音页并从内嵌的 rehydration JSON 中取声音信息。
//
// 约束：
// - 不做缓存/重试（由 resolver 统一负责）
// - 解析函数是纯函数（只依赖输入 html）
type Detail struct {
	Client *http.Client
}

func (d Detail) ResolveSoundID(ctx context.Context, videoURL string) (*string, *string, error) {
	b, err := d.fetch(ctx, videoURL)
	if err != nil {
		return nil, nil, err
	}
	m, err := ParseVideoDetail(b)
	if err != nil {
		return nil, nil, err
	}
	return domain.StrPtr(m.ID), domain.StrPtr(m.Title), nil
}

func (d Detail) ResolveMusic(ctx context.Context, musicURL string) (domain.MusicInfo, error) {
	b, err := d.fetch(ctx, musicURL)
	if err != nil {
		return domain.MusicInfo{}, err
	}
	return ParseMusicDetail(b)
}

func (d Detail) fetch(ctx context.Context, u string) ([]byte, error) {
	if d.Client == nil {
		return nil, errors.New("http client 不能为空")
	}
	if strings.TrimSpace(u) == "" {
		return nil, errors.New("url 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}

	// 落到登录/验证页：不绕过，直接视为被拦截。
	if resp.Request != nil && resp.Request.URL != nil {
		p := resp.Request.URL.Path
		if strings.HasPrefix(p, "/login") || strings.Contains(p, "/verify") {
			return nil, &source.BlockedError{URL: resp.Request.URL.String(), Reason: "login"}
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &source.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty response body: %w", source.ErrMalformed)
	}
	return b, nil
}

type musicJSON struct {
	ID         flexString `json:"id"`
	Title      string     `json:"title"`
	AuthorName string     `json:"authorName"`
}

func (m musicJSON) info() domain.MusicInfo {
	return domain.MusicInfo{
		ID:     strings.TrimSpace(string(m.ID)),
		Title:  strings.TrimSpace(m.Title),
		Author: strings.TrimSpace(m.AuthorName),
	}
}

type rehydration struct {
	DefaultScope struct {
		VideoDetail *struct {
			StatusCode int `json:"statusCode"`
			ItemInfo   struct {
				ItemStruct struct {
					Music *musicJSON `json:"music"`
				} `json:"itemStruct"`
			} `json:"itemInfo"`
		} `json:"webapp.video-detail"`
		MusicDetail *struct {
			MusicInfo struct {
				Music *musicJSON `json:"music"`
			} `json:"musicInfo"`
		} `json:"webapp.music-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

// 旧版页面布局。
type sigiState struct {
	ItemModule map[string]struct {
		Music *musicJSON `json:"music"`
	} `json:"ItemModule"`
}

// ParseVideoDetail 从视频详情页 HTML 取声音 ID 与标题。
// 页面可解析但没有声音信息时返回零值 MusicInfo 与 nil。
func ParseVideoDetail(html []byte) (domain.MusicInfo, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.MusicInfo{}, fmt.Errorf("%w: %v", source.ErrMalformed, err)
	}

	if raw := scriptText(doc, "__UNIVERSAL_DATA_FOR_REHYDRATION__"); raw != "" {
		var r rehydration
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return domain.MusicInfo{}, fmt.Errorf("%w: rehydration json: %v", source.ErrMalformed, err)
		}
		vd := r.DefaultScope.VideoDetail
		if vd == nil {
			return domain.MusicInfo{}, fmt.Errorf("%w: 缺少 webapp.video-detail", source.ErrMalformed)
		}
		if vd.ItemInfo.ItemStruct.Music == nil {
			return domain.MusicInfo{}, nil
		}
		return vd.ItemInfo.ItemStruct.Music.info(), nil
	}

	if raw := scriptText(doc, "SIGI_STATE"); raw != "" {
		var s sigiState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return domain.MusicInfo{}, fmt.Errorf("%w: SIGI_STATE json: %v", source.ErrMalformed, err)
		}
		for _, item := range s.ItemModule {
			if item.Music != nil {
				return item.Music.info(), nil
			}
		}
		return domain.MusicInfo{}, nil
	}

	return domain.MusicInfo{}, fmt.Errorf("%w: 未找到内嵌数据（疑似验证页/非详情页）", source.ErrMalformed)
}

// ParseMusicDetail 从声音页 HTML 取权威声音信息；缺少 ID 视为解析失败。
func ParseMusicDetail(html []byte) (domain.MusicInfo, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.MusicInfo{}, fmt.Errorf("%w: %v", source.ErrMalformed, err)
	}
	raw := scriptText(doc, "__UNIVERSAL_DATA_FOR_REHYDRATION__")
	if raw == "" {
		return domain.MusicInfo{}, fmt.Errorf("%w: 未找到内嵌数据", source.ErrMalformed)
	}
	var r rehydration
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return domain.MusicInfo{}, fmt.Errorf("%w: rehydration json: %v", source.ErrMalformed, err)
	}
	md := r.DefaultScope.MusicDetail
	if md == nil || md.MusicInfo.Music == nil || strings.TrimSpace(string(md.MusicInfo.Music.ID)) == "" {
		return domain.MusicInfo{}, fmt.Errorf("%w: 缺少 webapp.music-detail", source.ErrMalformed)
	}
	return md.MusicInfo.Music.info(), nil
}

func scriptText(doc *goquery.Document, id string) string {
	return strings.TrimSpace(doc.Find("script#" + id).First().Text())
}
