package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/pkg/httpclient"
)

// maxManifestSize bounds manifest reads.
const maxManifestSize = 4 << 20

// Variant is one entry of a multivariant playlist.
type Variant struct {
	Bandwidth int
	URI       string
}

// Selector resolves a multivariant playlist URL to a single variant URL.
type Selector struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewSelector creates a selector that fetches manifests through client.
func NewSelector(client *httpclient.Client) *Selector {
	return &Selector{
		client: client,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Selector) WithLogger(logger *slog.Logger) *Selector {
	s.logger = logger
	return s
}

// SelectVariant returns the variant URL that best matches preference
// ("lowest", "highest", or a bandwidth in bits per second). Media playlists,
// fetch or parse failures, and empty variant lists all return masterURL.
func (s *Selector) SelectVariant(ctx context.Context, name, masterURL, preference string) string {
	logger := s.logger.With(slog.String("stream", name))

	variants, err := s.fetchVariants(ctx, masterURL)
	if err != nil {
		logger.Warn("variant selection failed, using original url",
			slog.String("error", err.Error()))
		return masterURL
	}
	if len(variants) == 0 {
		logger.Debug("no variants to choose from, using original url")
		return masterURL
	}

	chosen, ok := ChooseVariant(variants, preference)
	if !ok {
		logger.Warn("unusable quality preference, using original url",
			slog.String("quality", preference))
		return masterURL
	}

	resolved := absolutizeURL(masterURL, chosen.URI)
	logger.Info("selected variant",
		slog.Int("bandwidth", chosen.Bandwidth),
		slog.String("quality", preference),
		slog.Int("variants", len(variants)))
	return resolved
}

// fetchVariants downloads and parses the manifest. A media playlist yields
// no variants and no error.
func (s *Selector) fetchVariants(ctx context.Context, manifestURL string) ([]Variant, error) {
	resp, err := s.client.Get(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching manifest: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	return ParseVariants(data)
}

// ParseVariants extracts the variants of a multivariant playlist. Media
// playlists return nil.
func ParseVariants(data []byte) ([]Variant, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, nil
	}

	variants := make([]Variant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		variants = append(variants, Variant{Bandwidth: v.Bandwidth, URI: v.URI})
	}
	return variants, nil
}

// ChooseVariant applies a quality preference. Variants are ordered by
// ascending bandwidth, keeping manifest order for equal bandwidths. A numeric
// preference picks the nearest bandwidth; ties go to the lower one.
func ChooseVariant(variants []Variant, preference string) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}

	keyword, target, err := config.ParseQuality(preference)
	if err != nil {
		return Variant{}, false
	}

	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})

	switch keyword {
	case config.QualityLowest:
		return sorted[0], true
	case config.QualityHighest:
		return sorted[len(sorted)-1], true
	}

	best := 0
	bestDist := distance(sorted[0].Bandwidth, target)
	for i := 1; i < len(sorted); i++ {
		if d := distance(sorted[i].Bandwidth, target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return sorted[best], true
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// absolutizeURL resolves a variant URI against the manifest URL.
func absolutizeURL(manifestURL, variantURI string) string {
	if strings.HasPrefix(variantURI, "http://") || strings.HasPrefix(variantURI, "https://") {
		return variantURI
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		if idx := strings.LastIndex(manifestURL, "/"); idx >= 0 {
			return manifestURL[:idx+1] + variantURI
		}
		return variantURI
	}

	ref, err := url.Parse(variantURI)
	if err != nil {
		return variantURI
	}

	return base.ResolveReference(ref).String()
}
