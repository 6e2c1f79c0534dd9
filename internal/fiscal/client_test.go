package fiscal

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderFunc func(ctx context.Context, req gateway.Request) (*gateway.Response, error)

func (f senderFunc) Send(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return f(ctx, req)
}

func jsonResponse(body string) *gateway.Response {
	return &gateway.Response{StatusCode: http.StatusOK, Body: []byte(body)}
}

func readBody(t *testing.T, req gateway.Request) string {
	t.Helper()
	if req.Body == nil {
		return ""
	}
	b, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	return string(b)
}

func TestValidateCFOP(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/validar-cfop", req.Path)
		assert.JSONEq(t, `{"cfop":"5102"}`, readBody(t, req))
		return jsonResponse(`{"valido":true,"descricao_grupo":"Saídas para o estado","destino":"Interna","natureza":"Venda"}`), nil
	}))

	result, err := client.ValidateCFOP(context.Background(), " 5102 ")
	require.NoError(t, err)

	assert.True(t, result.Valido)
	assert.Equal(t, "5102", result.CFOP)
	assert.Equal(t, "Venda", result.Natureza)
}

func TestValidateCFOPPropagatesAPIError(t *testing.T) {
	apiErr := &util.APIError{StatusCode: http.StatusUnprocessableEntity, Detail: "CFOP deve ter exatamente 4 dígitos"}
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		return nil, apiErr
	}))

	_, err := client.ValidateCFOP(context.Background(), "51")

	var got *util.APIError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "CFOP deve ter exatamente 4 dígitos", got.Detail)
}

func TestValidateRejectsEmptyCode(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}))

	_, err := client.ValidateCFOP(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyCode)
	_, err = client.ValidateNCM(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyCode)
	_, err = client.ConsultTaxation(context.Background(), " ", "")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestValidateNCM(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, "/api/validar-ncm", req.Path)
		assert.JSONEq(t, `{"ncm":"12345678"}`, readBody(t, req))
		return jsonResponse(`{"valido":false,"erro":"NCM não encontrado"}`), nil
	}))

	result, err := client.ValidateNCM(context.Background(), "12345678")
	require.NoError(t, err)

	assert.False(t, result.Valido)
	assert.Equal(t, "NCM não encontrado", result.Erro)
}

func TestConsultTaxation(t *testing.T) {
	tests := []struct {
		name     string
		fileID   string
		wantBody string
		reply    string
		want     string
	}{
		{
			name:     "resposta field",
			wantBody: `{"query":"Qual a alíquota?"}`,
			reply:    `{"resposta":"18%"}`,
			want:     "18%",
		},
		{
			name:     "response field with file context",
			fileID:   "abc",
			wantBody: `{"query":"Qual a alíquota?","context":{"file_id":"abc"}}`,
			reply:    `{"response":"12%"}`,
			want:     "12%",
		},
		{
			name:     "empty answer",
			wantBody: `{"query":"Qual a alíquota?"}`,
			reply:    `{}`,
			want:     defaultAnswer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
				assert.Equal(t, "/api/consultar-tributacao", req.Path)
				assert.JSONEq(t, tt.wantBody, readBody(t, req))
				return jsonResponse(tt.reply), nil
			}))

			got, err := client.ConsultTaxation(context.Background(), "Qual a alíquota?", tt.fileID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpload(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, "/api/upload", req.Path)
		assert.Equal(t, DefaultUploadTimeout, req.Timeout)

		mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
		require.NoError(t, err)
		assert.Equal(t, "multipart/form-data", mediaType)

		reader := multipart.NewReader(req.Body, params["boundary"])
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "file", part.FormName())
		assert.Equal(t, "notas.csv", part.FileName())
		content, _ := io.ReadAll(part)
		assert.Equal(t, "cfop,valor\n5102,10\n", string(content))

		return jsonResponse(`{"filename":"notas.csv","rows":1,"columns":2}`), nil
	}), WithClock(func() time.Time { return now }))

	result, err := client.Upload(context.Background(), "/tmp/notas.csv", strings.NewReader("cfop,valor\n5102,10\n"))
	require.NoError(t, err)

	assert.Equal(t, "upload-1700000000000", result.FileID)
	assert.Equal(t, 1, result.Rows)
	assert.Equal(t, 2, result.Columns)
}

func TestUploadRejectsLargeFiles(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}), WithMaxUploadSize(8))

	_, err := client.Upload(context.Background(), "big.csv", strings.NewReader("0123456789"))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestListFilesTriesEndpointsInOrder(t *testing.T) {
	var mu sync.Mutex
	var tried []string
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		mu.Lock()
		tried = append(tried, req.Path)
		mu.Unlock()
		assert.Equal(t, DefaultListTimeout, req.Timeout)

		switch req.Path {
		case "/api/files":
			return nil, &util.APIError{StatusCode: http.StatusNotFound}
		case "/api/csv/files":
			return jsonResponse(`{"files":[{"file_id":"a","filename":"a.csv","rows":10,"columns":3}]}`), nil
		}
		t.Fatalf("unexpected endpoint %s", req.Path)
		return nil, nil
	}))

	files, err := client.ListFiles(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/files", "/api/csv/files"}, tried)
	require.Len(t, files, 1)
	assert.Equal(t, "a", files[0].FileID)
}

func TestListFilesNoEndpoint(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		return jsonResponse(`{"status":"ok"}`), nil
	}))

	_, err := client.ListFiles(context.Background())
	assert.ErrorIs(t, err, ErrNoFileEndpoint)
}

func TestDecodeFileList(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		count int
		ok    bool
	}{
		{name: "bare array", body: `[{"file_id":"a"},{"file_id":"b"}]`, count: 2, ok: true},
		{name: "empty array", body: `[]`, count: 0, ok: true},
		{name: "wrapped", body: `{"files":[{"file_id":"a"}],"total":1}`, count: 1, ok: true},
		{name: "null", body: `null`, ok: false},
		{name: "object without files", body: `{"total":0}`, ok: false},
		{name: "not json", body: `<html>`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, ok := decodeFileList([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, files, tt.count)
		})
	}
}

func TestMetrics(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("online", func(t *testing.T) {
		client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
			switch req.Path {
			case "/health":
				return jsonResponse(`{"status":"healthy","version":"2.1.0"}`), nil
			case "/api/files":
				return jsonResponse(`[{"file_id":"a","rows":100,"columns":8},{"file_id":"b","rows":50,"columns":4}]`), nil
			}
			return nil, &util.APIError{StatusCode: http.StatusNotFound}
		}), WithClock(func() time.Time { return now }))

		m, err := client.Metrics(context.Background())
		require.NoError(t, err)

		assert.Equal(t, &Metrics{
			TotalFiles:     2,
			TotalRows:      150,
			TotalColumns:   12,
			Status:         "Online",
			BackendVersion: "2.1.0",
			LastUpdated:    now,
		}, m)
	})

	t.Run("offline", func(t *testing.T) {
		client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
			return nil, &util.NetworkError{Method: req.Method, URL: req.Path, Err: errors.New("connection refused")}
		}), WithClock(func() time.Time { return now }))

		m, err := client.Metrics(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 0, m.TotalFiles)
		assert.Equal(t, "Offline", m.Status)
	})
}

func TestHealthDefaultsToHealthyOn200(t *testing.T) {
	client := NewClient(senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, "/health", req.Path)
		return jsonResponse(`"ok"`), nil
	}))

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy())
}
