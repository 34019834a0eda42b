package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"mktv-gateway/work/config"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/parser"
	"mktv-gateway/work/types"
	"mktv-gateway/work/utils"
)

const sourceFetchTimeout = 30 * time.Second

// Catalog is the in-memory channel list plus its derived group aggregates.
// It is built once at startup and read-only afterwards, so no locking is
// needed on the serving path; a restart picks up playlist changes.
type Catalog struct {
	channels []types.Channel
	groups   []types.Group
}

// Page is one window of filtered catalog results.
type Page struct {
	Total   int             `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
	HasMore bool            `json:"hasMore"`
	Items   []types.Channel `json:"items"`
}

// Load fetches and parses every configured playlist source on the worker pool,
// merges the results in source order, and computes group aggregates. Any
// source that cannot be read fails the whole load: a partial catalog is never
// served.
func Load(cfg *config.Config, log *logger.Logger, pool *ants.Pool, client *http.Client) (*Catalog, error) {
	results := make([][]types.Channel, len(cfg.Sources))
	errs := make([]error, len(cfg.Sources))

	var wg sync.WaitGroup
	for i := range cfg.Sources {
		wg.Add(1)
		i := i
		source := cfg.Sources[i]
		task := func() {
			defer wg.Done()
			channels, err := loadSource(source, client)
			if err != nil {
				errs[i] = fmt.Errorf("source %s: %w", source.Name, err)
				return
			}
			if cfg.Debug {
				log.Debug("parsed %d channels from source %s (%s)",
					len(channels), source.Name, utils.LogURL(cfg.ObfuscateUrls, source.URL))
			}
			results[i] = channels
		}
		if err := pool.Submit(task); err != nil {
			// Pool rejected the task; run it inline rather than dropping a source.
			task()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var channels []types.Channel
	for _, part := range results {
		channels = append(channels, part...)
	}

	return New(channels), nil
}

// New builds a catalog from already-parsed channels, computing the group
// aggregates with locale-aware, case-insensitive ordering.
func New(channels []types.Channel) *Catalog {
	counts := make(map[string]int)
	for _, channel := range channels {
		counts[channel.Group]++
	}

	groups := make([]types.Group, 0, len(counts))
	for name, count := range counts {
		groups = append(groups, types.Group{Name: name, Count: count})
	}

	collator := collate.New(language.French, collate.IgnoreCase)
	sort.SliceStable(groups, func(i, j int) bool {
		return collator.CompareString(groups[i].Name, groups[j].Name) < 0
	})

	return &Catalog{channels: channels, groups: groups}
}

// Channels returns the full ordered channel list.
func (c *Catalog) Channels() []types.Channel {
	return c.channels
}

// Groups returns the derived group aggregates in collated order.
func (c *Catalog) Groups() []types.Group {
	return c.groups
}

// Len reports the number of channels in the catalog.
func (c *Catalog) Len() int {
	return len(c.channels)
}

// Filter applies a case-insensitive substring search and an exact (but
// case-insensitive) group match, then slices out one page.
func (c *Catalog) Filter(q, group string, offset, limit int) Page {
	q = strings.ToLower(strings.TrimSpace(q))
	group = strings.ToLower(strings.TrimSpace(group))

	var filtered []types.Channel
	for _, channel := range c.channels {
		if group != "" && strings.ToLower(channel.Group) != group {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(channel.Name), q) &&
			!strings.Contains(strings.ToLower(channel.Group), q) {
			continue
		}
		filtered = append(filtered, channel)
	}

	total := len(filtered)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	items := filtered[start:end]
	if items == nil {
		items = []types.Channel{}
	}

	return Page{
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: start+len(items) < total,
		Items:   items,
	}
}

// loadSource reads one playlist source, either over HTTP or from disk.
func loadSource(source config.SourceConfig, client *http.Client) ([]types.Channel, error) {
	if strings.HasPrefix(source.URL, "http://") || strings.HasPrefix(source.URL, "https://") {
		ctx, cancel := context.WithTimeout(context.Background(), sourceFetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("unexpected status %d fetching playlist", resp.StatusCode)
		}
		return parser.ParsePlaylist(resp.Body), nil
	}

	f, err := os.Open(source.URL)
	if err != nil {
		return nil, fmt.Errorf("missing playlist file: %w", err)
	}
	defer f.Close()
	return parser.ParsePlaylist(f), nil
}
