package sdk

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ferro-labs/credential-gateway/internal/metrics"
	"github.com/ferro-labs/credential-gateway/plugin/jsonrpc"
)

// SDK method names callable by plugin processes.
const (
	MethodDatabaseQuery   = "database.query"
	MethodDatabaseExecute = "database.execute"
	MethodHTTPRequest     = "http.request"
	MethodCryptoEncrypt   = "crypto.encrypt"
	MethodCryptoDecrypt   = "crypto.decrypt"
	MethodNotifySuccess   = "notification.success"
	MethodNotifyError     = "notification.error"
	MethodNotifyInfo      = "notification.info"
	MethodEventEmit       = "event.emit"
	MethodStorageGet      = "storage.get"
	MethodStorageSet      = "storage.set"
	MethodStorageDelete   = "storage.delete"
)

type sqlParams struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type httpParams struct {
	URL     string      `json:"url"`
	Options HTTPOptions `json:"options"`
}

type dataParams struct {
	Data string `json:"data"`
}

type messageParams struct {
	Message string `json:"message"`
}

type eventParams struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type storageParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Handler exposes c as a jsonrpc.Handler. SDK failures become -32000 errors
// whose data carries the error kind.
func Handler(c *Context) jsonrpc.Handler {
	return jsonrpc.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		result, err := c.handle(ctx, method, params)
		outcome := "ok"
		switch {
		case errors.Is(err, ErrPermissionDenied):
			outcome = "denied"
		case err != nil:
			outcome = "error"
		}
		metrics.SDKCallsTotal.WithLabelValues(method, outcome).Inc()
		if err == nil {
			return result, nil
		}
		var sdkErr *Error
		if errors.As(err, &sdkErr) {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: sdkErr.Message, Data: string(sdkErr.Kind)}
		}
		return nil, err
	})
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return jsonrpc.InvalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return nil
}

func (c *Context) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodDatabaseQuery:
		var p sqlParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return c.Query(ctx, p.SQL, p.Params)

	case MethodDatabaseExecute:
		var p sqlParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		n, err := c.Execute(ctx, p.SQL, p.Params)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"affected": n}, nil

	case MethodHTTPRequest:
		var p httpParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return c.HTTPRequest(ctx, p.URL, p.Options)

	case MethodCryptoEncrypt:
		var p dataParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		out, err := c.Encrypt(p.Data)
		if err != nil {
			return nil, err
		}
		return map[string]string{"encrypted": out}, nil

	case MethodCryptoDecrypt:
		var p dataParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		out, err := c.Decrypt(p.Data)
		if err != nil {
			return nil, err
		}
		return map[string]string{"decrypted": out}, nil

	case MethodNotifySuccess, MethodNotifyError, MethodNotifyInfo:
		var p messageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		level := NotificationLevel(method[len("notification."):])
		return nil, c.Notify(ctx, level, p.Message)

	case MethodEventEmit:
		var p eventParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, c.EmitEvent(ctx, p.Event, p.Data)

	case MethodStorageGet:
		var p storageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		v, err := c.StorageGet(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		return map[string]*string{"value": v}, nil

	case MethodStorageSet:
		var p storageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, c.StorageSet(ctx, p.Key, p.Value)

	case MethodStorageDelete:
		var p storageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, c.StorageDelete(ctx, p.Key)
	}
	return nil, jsonrpc.MethodNotFound(method)
}
