package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aikasa/drivevec/internal/artifact"
	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/embed"
	"github.com/aikasa/drivevec/internal/search"
	"github.com/aikasa/drivevec/internal/translate"
)

// Search triggers. The legacy trigger predates the standard/shuffle split
// and maps to shuffle.
const (
	TriggerStandard = "スタンダード"
	TriggerShuffle  = "シャッフル"
	TriggerRandom   = "ランダム"
	triggerLegacy   = "類似画像検索"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

// embedV4ModelName selects the v4 embedding model for the query.
const embedV4ModelName = "embed-v4.0"

type searchRequest struct {
	UUID         string   `json:"uuid"`
	Query        string   `json:"q"`
	TopK         int      `json:"top_k"`
	Trigger      string   `json:"trigger"`
	TopN         int      `json:"top_n"`
	SearchModel  string   `json:"search_model"`
	ExcludeFiles []string `json:"exclude_files"`
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := searchRequest{
		UUID:        q.Get("uuid"),
		Query:       q.Get("q"),
		TopK:        atoi(q.Get("top_k")),
		Trigger:     q.Get("trigger"),
		TopN:        atoi(q.Get("top_n")),
		SearchModel: q.Get("search_model"),
	}

	results, ok := s.search(w, r, &req)
	if !ok {
		return
	}

	label := req.Query
	if req.Trigger == TriggerRandom {
		label = "ランダム検索"
	}

	s.respond(w, http.StatusOK, map[string]any{"query": label, "results": results})
}

// handleSearchPost mirrors the GET parameters in a JSON body and returns
// the bare results array, the shape the spreadsheet caller consumes.
func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}

	results, ok := s.search(w, r, &req)
	if !ok {
		return
	}

	s.respond(w, http.StatusOK, results)
}

// search runs one retrieval. It normalizes the request in place, writes the
// error response itself on failure and reports ok=false.
func (s *Server) search(w http.ResponseWriter, r *http.Request, req *searchRequest) ([]search.Result, bool) {
	ctx := r.Context()

	if req.UUID == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "uuid is required")
		return nil, false
	}

	if req.Trigger == "" || req.Trigger == triggerLegacy {
		req.Trigger = TriggerShuffle
	}

	switch req.Trigger {
	case TriggerStandard, TriggerShuffle:
		if req.Query == "" {
			s.respondError(w, http.StatusBadRequest, "invalid_request", "query 'q' is required for similarity search")
			return nil, false
		}
	case TriggerRandom:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid_trigger", "invalid trigger: "+req.Trigger)
		return nil, false
	}

	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	entries, err := artifact.Load(ctx, s.artifacts, req.UUID)
	if errors.Is(err, blob.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "not_found", "vector data for UUID '"+req.UUID+"' not found")
		return nil, false
	}

	if err != nil {
		s.logger.Error("loading artifact failed",
			slog.String("uuid", req.UUID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "search_failed", err.Error())

		return nil, false
	}

	idx, err := search.NewIndex(indexEntries(entries))
	if errors.Is(err, search.ErrNoValidEntries) {
		return []search.Result{}, true
	}

	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return nil, false
	}

	exclude := search.ExcludeSet(req.ExcludeFiles)

	if req.Trigger == TriggerRandom {
		return idx.Random(req.TopK, exclude), true
	}

	query := translate.Query(ctx, s.translator, req.Query, s.logger)

	hint := embed.HintTextV3
	if req.SearchModel == embedV4ModelName {
		hint = embed.HintMultimodalV4
	}

	vec, err := s.provider.EmbedText(ctx, query, hint)
	if err != nil {
		s.logger.Error("query embedding failed",
			slog.String("uuid", req.UUID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "embedding_failed", err.Error())

		return nil, false
	}

	if req.Trigger == TriggerStandard {
		return idx.Ranked(vec, req.TopK, exclude), true
	}

	return idx.Shuffle(vec, req.TopK, req.TopN, exclude), true
}

// indexEntries keeps the searchable rows: corrupt entries carry no
// embedding and are dropped here.
func indexEntries(entries []artifact.Entry) []search.IndexEntry {
	out := make([]search.IndexEntry, 0, len(entries))

	for _, e := range entries {
		if e.IsCorrupt || len(e.Embedding) == 0 {
			continue
		}

		out = append(out, search.IndexEntry{
			Filename:  e.Filename,
			Filepath:  e.Filepath,
			Embedding: e.Embedding,
		})
	}

	return out
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return n
}
