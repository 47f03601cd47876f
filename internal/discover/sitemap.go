package discover

import (
	"context"
	"encoding/xml"
	"strings"

	"github.com/go-resty/resty/v2"
)

const (
	maxChildSitemaps = 50
	maxSitemapDepth  = 2
)

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// fetchSitemap resolves a sitemap document into page URLs, following one
// level of sitemap-index indirection.
func fetchSitemap(ctx context.Context, client *resty.Client, sitemapURL string, limit, depth int) ([]string, error) {
	resp, err := client.R().SetContext(ctx).Get(sitemapURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, nil
	}
	body := resp.Body()

	var set urlSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		urls := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			urls = append(urls, loc)
			if len(urls) >= limit {
				break
			}
		}
		return urls, nil
	}

	if depth >= maxSitemapDepth {
		return nil, nil
	}
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil || len(index.Sitemaps) == 0 {
		return nil, nil
	}

	var urls []string
	for i, sm := range index.Sitemaps {
		if i >= maxChildSitemaps || len(urls) >= limit {
			break
		}
		child, err := fetchSitemap(ctx, client, strings.TrimSpace(sm.Loc), limit-len(urls), depth+1)
		if err != nil {
			continue
		}
		urls = append(urls, child...)
	}
	return urls, nil
}
