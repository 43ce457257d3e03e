package logstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/srg/snoozy/internal/ipc"
)

// IPC methods served by the host process.
const (
	MethodAppend  = "log.append"
	MethodSummary = "log.summary"
	MethodContent = "log.content"
	MethodClear   = "log.clear"
	MethodSaveAs  = "log.saveAs"
)

const (
	CodeNotFound = "log.not_found"
	CodeWrite    = "log.write"
)

type dayParams struct {
	Day  Day    `json:"day"`
	Text string `json:"text,omitempty"`
}

type saveParams struct {
	Text          string `json:"text"`
	SuggestedName string `json:"suggestedName"`
}

type contentResult struct {
	Text string `json:"text"`
}

// HostBackend proxies every call to a host process over IPC.
type HostBackend struct {
	peer ipc.Caller
}

func NewHostBackend(peer ipc.Caller) *HostBackend {
	return &HostBackend{peer: peer}
}

func (b *HostBackend) AppendText(ctx context.Context, day Day, text string) error {
	err := b.peer.Call(ctx, MethodAppend, dayParams{Day: day, Text: text}, nil)
	if err != nil {
		return &WriteError{Day: day, Err: err}
	}
	return nil
}

func (b *HostBackend) ReadSummary(ctx context.Context, day Day) (Range, error) {
	var r Range
	if err := b.peer.Call(ctx, MethodSummary, dayParams{Day: day}, &r); err != nil {
		return Range{}, fromRemote(err)
	}
	return r, nil
}

func (b *HostBackend) ReadContent(ctx context.Context, day Day) (string, error) {
	var res contentResult
	if err := b.peer.Call(ctx, MethodContent, dayParams{Day: day}, &res); err != nil {
		return "", fromRemote(err)
	}
	return res.Text, nil
}

func (b *HostBackend) Clear(ctx context.Context, day Day) error {
	return b.peer.Call(ctx, MethodClear, dayParams{Day: day}, nil)
}

func (b *HostBackend) SaveAs(ctx context.Context, text, suggestedName string) (SaveResult, error) {
	var res SaveResult
	err := b.peer.Call(ctx, MethodSaveAs, saveParams{Text: text, SuggestedName: suggestedName}, &res)
	return res, err
}

func fromRemote(err error) error {
	if ipc.RemoteCode(err) == CodeNotFound {
		return ErrNotFound
	}
	return err
}

// Serve registers the host side of the log protocol on r, backed by backend.
func Serve(r ipc.Registrar, backend Backend) {
	r.Handle(MethodAppend, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p dayParams
		if err := decodeDay(payload, &p); err != nil {
			return nil, err
		}
		return nil, ipc.WithCode(CodeWrite, backend.AppendText(ctx, p.Day, p.Text))
	})

	r.Handle(MethodSummary, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p dayParams
		if err := decodeDay(payload, &p); err != nil {
			return nil, err
		}
		return withNotFound(New(backend, nil).ReadRange(ctx, p.Day))
	})

	r.Handle(MethodContent, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p dayParams
		if err := decodeDay(payload, &p); err != nil {
			return nil, err
		}
		text, err := backend.ReadContent(ctx, p.Day)
		if err != nil {
			return withNotFound(nil, err)
		}
		return contentResult{Text: text}, nil
	})

	r.Handle(MethodClear, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p dayParams
		if err := decodeDay(payload, &p); err != nil {
			return nil, err
		}
		return nil, backend.Clear(ctx, p.Day)
	})

	r.Handle(MethodSaveAs, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p saveParams
		if err := ipc.Decode(payload, &p); err != nil {
			return nil, err
		}
		return backend.SaveAs(ctx, p.Text, p.SuggestedName)
	})
}

func decodeDay(payload json.RawMessage, p *dayParams) error {
	if err := ipc.Decode(payload, p); err != nil {
		return err
	}
	d, err := ParseDay(string(p.Day))
	if err != nil {
		return ipc.WithCode(ipc.CodeBadRequest, err)
	}
	p.Day = d
	return nil
}

func withNotFound(v any, err error) (any, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, ipc.WithCode(CodeNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
