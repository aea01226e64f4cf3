package rpc

import (
	"errors"
	"net/http"

	"opencritique/core"
	"opencritique/core/types"
)

const (
	codeWorkInvalidParams = -32041
	codeWorkNotFound      = -32042
	codeWorkForbidden     = -32043
	codeWorkInternal      = -32044
)

type workCreateParams struct {
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
}

type workIDParams struct {
	ID uint64 `json:"id"`
}

type workDeleteParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type critiquePostParams struct {
	WorkID uint64 `json:"workId"`
	Critic string `json:"critic"`
	Text   string `json:"text"`
}

type critiqueListParams struct {
	WorkID uint64 `json:"workId"`
}

type critiqueUpvoteParams struct {
	WorkID     uint64 `json:"workId"`
	CritiqueID uint64 `json:"critiqueId"`
	Voter      string `json:"voter"`
}

type pointsParams struct {
	Address string `json:"address"`
}

type workJSON struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	Author      string `json:"author"`
	CreatedAt   int64  `json:"createdAt"`
}

type critiqueJSON struct {
	ID        uint64 `json:"id"`
	WorkID    uint64 `json:"workId"`
	Critic    string `json:"critic"`
	Text      string `json:"text"`
	Upvotes   uint64 `json:"upvotes"`
	CreatedAt int64  `json:"createdAt"`
}

func workToJSON(w *types.Work) workJSON {
	return workJSON{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		MediaURL:    w.MediaURL,
		Author:      w.Author.String(),
		CreatedAt:   w.CreatedAt,
	}
}

func critiqueToJSON(c *types.Critique) critiqueJSON {
	return critiqueJSON{
		ID:        c.ID,
		WorkID:    c.WorkID,
		Critic:    c.Critic.String(),
		Text:      c.Text,
		Upvotes:   c.Upvotes,
		CreatedAt: c.CreatedAt,
	}
}

func writeStoreError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, core.ErrWorkNotFound), errors.Is(err, core.ErrCritiqueNotFound):
		writeError(w, http.StatusNotFound, id, codeWorkNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, id, codeWorkForbidden, "forbidden", err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, id, codeWorkInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeWorkInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleWorkCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params workCreateParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	author, err := parseBech32Address(params.Author)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	work, err := s.store.CreateWork(params.Title, params.Description, params.MediaURL, author)
	if err != nil {
		writeStoreError(w, req.ID, err)
		return
	}
	s.logger.Info("work created", "workId", work.ID, "author", work.Author.String())
	writeResult(w, req.ID, workToJSON(work))
}

func (s *Server) handleWorkGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params workIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	work, ok := s.store.GetWork(params.ID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeWorkNotFound, "not_found", "work does not exist")
		return
	}
	writeResult(w, req.ID, workToJSON(work))
}

func (s *Server) handleWorkList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	works := s.store.ListWorks()
	out := make([]workJSON, 0, len(works))
	for _, work := range works {
		out = append(out, workToJSON(work))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleWorkDelete(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params workDeleteParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.store.DeleteWork(params.ID, caller); err != nil {
		writeStoreError(w, req.ID, err)
		return
	}
	s.logger.Info("work deleted", "workId", params.ID)
	writeResult(w, req.ID, map[string]bool{"deleted": true})
}

func (s *Server) handleCritiquePost(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params critiquePostParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	critic, err := parseBech32Address(params.Critic)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	critique, err := s.store.PostCritique(params.WorkID, critic, params.Text)
	if err != nil {
		writeStoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, critiqueToJSON(critique))
}

func (s *Server) handleCritiqueList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params critiqueListParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	critiques := s.store.ListCritiques(params.WorkID)
	out := make([]critiqueJSON, 0, len(critiques))
	for _, critique := range critiques {
		out = append(out, critiqueToJSON(critique))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleCritiqueUpvote(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params critiqueUpvoteParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	voter, err := parseBech32Address(params.Voter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	critique, err := s.store.UpvoteCritique(params.WorkID, params.CritiqueID, voter)
	if err != nil {
		writeStoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, critiqueToJSON(critique))
}

func (s *Server) handlePointsGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params pointsParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeWorkInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]uint64{"points": s.store.Points(addr)})
}
