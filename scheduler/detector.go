package scheduler

import (
	"path/filepath"
	"strings"

	"github.com/saiset-co/sai-parse/types"
)

// DetectionStrategy resolves the parser and parse context for one request.
// Strategies are consulted in order; the first one that answers wins.
type DetectionStrategy interface {
	Source() types.DetectionSource
	Detect(req *types.ParseRequest) (*types.ParseContext, types.ParserType, bool)
}

// Detector chains the detection strategies: explicit request metadata, the
// project-level configuration, the file path, and finally the fallback parser.
type Detector struct {
	projectRoot string
	strategies  []DetectionStrategy
}

func NewDetector(projectRoot string, cache types.CacheManager) *Detector {
	return &Detector{
		projectRoot: projectRoot,
		strategies: []DetectionStrategy{
			&metadataStrategy{projectRoot: projectRoot},
			&configStrategy{projectRoot: projectRoot, cache: cache},
			&pathStrategy{projectRoot: projectRoot},
			&defaultStrategy{projectRoot: projectRoot},
		},
	}
}

// Resolve produces the parse context for a request. A parser type already set
// on the request is kept; detection only fills the gap.
func (d *Detector) Resolve(req *types.ParseRequest) (*types.ParseContext, types.ParserType) {
	for _, strategy := range d.strategies {
		pctx, parserType, ok := strategy.Detect(req)
		if !ok {
			continue
		}
		if req.ParserType != "" {
			parserType = req.ParserType
		}
		return pctx, parserType
	}

	// The default strategy always answers; this is unreachable with the
	// standard chain but keeps custom chains safe.
	return &types.ParseContext{
		FilePath:    req.FilePath,
		ProjectRoot: d.projectRoot,
		Source:      types.DetectionDefault,
	}, types.ParserMarkdown
}

var extensionParsers = map[string]types.ParserType{
	".md":       types.ParserMarkdown,
	".markdown": types.ParserMarkdown,
	".canvas":   types.ParserCanvas,
	".ics":      types.ParserICS,
	".ical":     types.ParserICS,
}

type pathStrategy struct {
	projectRoot string
}

func (s *pathStrategy) Source() types.DetectionSource { return types.DetectionPath }

func (s *pathStrategy) Detect(req *types.ParseRequest) (*types.ParseContext, types.ParserType, bool) {
	ext := strings.ToLower(filepath.Ext(req.FilePath))
	parserType, ok := extensionParsers[ext]
	if !ok {
		return nil, "", false
	}

	return &types.ParseContext{
		FilePath:    req.FilePath,
		ProjectRoot: s.projectRoot,
		Source:      types.DetectionPath,
		Metadata:    map[string]string{"extension": ext},
	}, parserType, true
}

// metadataStrategy honors detection hints carried in the request options:
// "parser_type" selects the parser directly, "metadata" is copied into the
// parse context.
type metadataStrategy struct {
	projectRoot string
}

func (s *metadataStrategy) Source() types.DetectionSource { return types.DetectionMetadata }

func (s *metadataStrategy) Detect(req *types.ParseRequest) (*types.ParseContext, types.ParserType, bool) {
	if len(req.Options) == 0 {
		return nil, "", false
	}

	rawType, ok := req.Options["parser_type"].(string)
	if !ok || rawType == "" {
		return nil, "", false
	}

	pctx := &types.ParseContext{
		FilePath:    req.FilePath,
		ProjectRoot: s.projectRoot,
		Source:      types.DetectionMetadata,
	}

	if meta, ok := req.Options["metadata"].(map[string]string); ok {
		pctx.Metadata = meta
	}

	return pctx, types.ParserType(rawType), true
}

// configStrategy maps file extensions through the cached project
// configuration, letting a vault override the built-in extension table.
type configStrategy struct {
	projectRoot string
	cache       types.CacheManager
}

func (s *configStrategy) Source() types.DetectionSource { return types.DetectionConfig }

func (s *configStrategy) Detect(req *types.ParseRequest) (*types.ParseContext, types.ParserType, bool) {
	if s.cache == nil {
		return nil, "", false
	}

	value, ok := s.cache.Get(projectConfigKey(s.projectRoot), types.CacheProjectConfig)
	if !ok {
		return nil, "", false
	}

	mapping, ok := value.(map[string]types.ParserType)
	if !ok {
		return nil, "", false
	}

	ext := strings.ToLower(filepath.Ext(req.FilePath))
	parserType, ok := mapping[ext]
	if !ok {
		return nil, "", false
	}

	return &types.ParseContext{
		FilePath:    req.FilePath,
		ProjectRoot: s.projectRoot,
		Source:      types.DetectionConfig,
		Metadata:    map[string]string{"extension": ext},
	}, parserType, true
}

type defaultStrategy struct {
	projectRoot string
}

func (s *defaultStrategy) Source() types.DetectionSource { return types.DetectionDefault }

func (s *defaultStrategy) Detect(req *types.ParseRequest) (*types.ParseContext, types.ParserType, bool) {
	return &types.ParseContext{
		FilePath:    req.FilePath,
		ProjectRoot: s.projectRoot,
		Source:      types.DetectionDefault,
	}, types.ParserMarkdown, true
}

func projectConfigKey(projectRoot string) string {
	return "project_config|" + projectRoot
}
