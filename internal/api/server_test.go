package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"reportdesk/internal/config"
	"reportdesk/internal/docx"
	"reportdesk/internal/models/modelstest"
	"reportdesk/internal/paths"
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	layout := paths.Layout{
		ReportRoot:      filepath.Join(root, "report"),
		MergeRoot:       filepath.Join(root, "report_merge"),
		EditorImageRoot: filepath.Join(root, "editor_image"),
	}
	cfg := &config.Config{MaxConcurrentSplits: 2, TitleLengthLimit: 100}
	cfg.Storage.UploadDir = filepath.Join(root, "uploads")

	srv := NewServer(nil, modelstest.NewStore(t), layout, cfg, zerolog.Nop())
	return srv, srv.NewRouter()
}

func sampleDocument(t *testing.T) []byte {
	t.Helper()
	b := docx.NewBuilder()
	b.AddHeading("概述", 1)
	b.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: "概述正文。"}}})
	b.AddHeading("范围", 2)
	b.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: "范围正文。"}}})
	b.AddHeading("结论", 1)
	b.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: "结论正文。"}}})
	data, err := b.Bytes()
	require.NoError(t, err)
	return data
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	if fileField != "" {
		part, err := w.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = part.Write(fileData)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, payload any, owner string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(data)
	} else {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-User-Id", owner)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

// uploadReport runs the split upload and polls the task to completion.
func uploadReport(t *testing.T, router *gin.Engine, typeName, reportName, owner string) map[string]any {
	t.Helper()
	body, contentType := multipartBody(t, map[string]string{
		"type_name":   typeName,
		"report_name": reportName,
	}, "file", "upload.docx", sampleDocument(t))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/split", body)
	req.Header.Set("Content-Type", contentType)
	if owner != "" {
		req.Header.Set("X-User-Id", owner)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, task := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, nil, owner)
		require.Equal(t, http.StatusOK, rec.Code)
		switch task["status"] {
		case "success":
			return task
		case "failed":
			t.Fatalf("split task failed: %v", task["error"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("split task never finished")
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newTestServer(t)
	rec, payload := doJSON(t, router, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", payload["status"])
}

func TestSplitTaskLifecycle(t *testing.T) {
	_, router := newTestServer(t)
	task := uploadReport(t, router, "巡检报告", "三月巡检", "")

	result, ok := task["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(3), result["chapters"])
	require.NotNil(t, task["structure"])

	rec, payload := doJSON(t, router, http.MethodGet, "/api/v1/types", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, payload["items"], 1)

	rec, payload = doJSON(t, router, http.MethodGet, "/api/v1/reports?type=巡检报告", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, payload["items"], 1)

	reportID := int64(result["report_id"].(float64))
	rec, payload = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/reports/%d/catalogue", reportID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tree, ok := payload["catalogue"].([]any)
	require.True(t, ok)
	require.Len(t, tree, 2)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/reports/%d/outline.xlsx", reportID), nil)
	xrec := httptest.NewRecorder()
	router.ServeHTTP(xrec, req)
	require.Equal(t, http.StatusOK, xrec.Code)
	require.Contains(t, xrec.Header().Get("Content-Disposition"), "attachment")
	require.NotEmpty(t, xrec.Body.Bytes())
}

func TestDuplicateSplitFailsTask(t *testing.T) {
	_, router := newTestServer(t)
	uploadReport(t, router, "巡检报告", "三月巡检", "")

	body, contentType := multipartBody(t, map[string]string{
		"type_name":   "巡检报告",
		"report_name": "三月巡检",
	}, "file", "upload.docx", sampleDocument(t))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/split", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, task := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, nil, "")
		if task["status"] == "failed" {
			require.Equal(t, "同名报告已存在", task["error"])
			return
		}
		require.NotEqual(t, "success", task["status"])
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("duplicate split never failed")
}

func TestScanRejectsNonDocx(t *testing.T) {
	_, router := newTestServer(t)
	body, contentType := multipartBody(t, nil, "file", "notes.txt", []byte("plain text"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/scan", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanReturnsOutline(t *testing.T) {
	_, router := newTestServer(t)
	body, contentType := multipartBody(t, nil, "file", "upload.docx", sampleDocument(t))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/scan", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Outline []docx.OutlineEntry `json:"outline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, []docx.OutlineEntry{
		{Level: 1, Numbering: "1", Title: "概述"},
		{Level: 2, Numbering: "1.1", Title: "范围"},
		{Level: 1, Numbering: "2", Title: "结论"},
	}, payload.Outline)
}

func TestTaskScopedToOwner(t *testing.T) {
	_, router := newTestServer(t)
	task := uploadReport(t, router, "巡检报告", "三月巡检", "7")
	require.Equal(t, "success", task["status"])

	rec, _ := doJSON(t, router, http.MethodGet, "/api/v1/tasks/unknown", nil, "7")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestComposeAndMerge(t *testing.T) {
	_, router := newTestServer(t)

	rec, payload := doJSON(t, router, http.MethodPost, "/api/v1/reports/compose", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "四月巡检",
		"nodes": []map[string]any{
			{"title": "概述", "children": []map[string]any{{"title": "范围"}}},
			{"title": "结论"},
		},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, payload["report_id"])

	// Same name again conflicts.
	rec, _ = doJSON(t, router, http.MethodPost, "/api/v1/reports/compose", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "四月巡检",
		"nodes":       []map[string]any{{"title": "另一个"}},
	}, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, merged := doJSON(t, router, http.MethodPost, "/api/v1/reports/merge", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "四月巡检",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(3), merged["chapters"])
	_, err := os.Stat(merged["file_path"].(string))
	require.NoError(t, err)

	reportID := int64(payload["report_id"].(float64))
	rec, record := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/reports/%d/merged", reportID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, record)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/v1/reports/merge", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "没有这份",
	}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncMerge(t *testing.T) {
	_, router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/reports/compose", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "五月巡检",
		"nodes":       []map[string]any{{"title": "概述"}, {"title": "结论"}},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, accepted := doJSON(t, router, http.MethodPost, "/api/v1/reports/merge?async=1", map[string]any{
		"type_name":   "巡检报告",
		"report_name": "五月巡检",
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := accepted["task_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, task := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+taskID, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		if task["status"] == "success" {
			result := task["result"].(map[string]any)
			require.Equal(t, float64(2), result["chapters"])
			_, err := os.Stat(result["file_path"].(string))
			require.NoError(t, err)
			return
		}
		require.NotEqual(t, "failed", task["status"])
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("merge task never finished")
}

func TestChapterContentRoundTrip(t *testing.T) {
	_, router := newTestServer(t)
	task := uploadReport(t, router, "巡检报告", "三月巡检", "")
	result := task["result"].(map[string]any)
	reportID := int64(result["report_id"].(float64))

	rec, payload := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/reports/%d/catalogue", reportID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tree := payload["catalogue"].([]any)
	first := tree[0].(map[string]any)
	chapterID := int64(first["id"].(float64))

	rec, content := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/chapters/%d/content", chapterID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, content["content"], "概述")

	rec, _ = doJSON(t, router, http.MethodPut, fmt.Sprintf("/api/v1/chapters/%d/content", chapterID), map[string]any{
		"content": "<h1>1 概述</h1><p>改写后的<strong>正文</strong>。</p>",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, content = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/chapters/%d/content?refresh=1", chapterID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, content["content"], "改写后的")
	require.Contains(t, content["content"], "<strong>正文</strong>")
}

func TestDeleteReportScoping(t *testing.T) {
	srv, router := newTestServer(t)
	task := uploadReport(t, router, "巡检报告", "三月巡检", "7")
	result := task["result"].(map[string]any)
	reportID := int64(result["report_id"].(float64))

	// Public caller cannot see the owned report, let alone delete it.
	rec, _ := doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/v1/reports/%d", reportID), nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/v1/reports/%d", reportID), nil, "8")
	require.Equal(t, http.StatusNotFound, rec.Code)

	owner := int64(7)
	reportDir := srv.Layout.ReportDir(&owner, "巡检报告", "三月巡检")
	_, err := os.Stat(reportDir)
	require.NoError(t, err)

	rec, _ = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/v1/reports/%d", reportID), nil, "7")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = os.Stat(reportDir)
	require.True(t, os.IsNotExist(err))
	rec, _ = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/reports/%d/catalogue", reportID), nil, "7")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditorImageUpload(t *testing.T) {
	_, router := newTestServer(t)
	body, contentType := multipartBody(t, map[string]string{
		"type_name":   "巡检报告",
		"report_name": "三月巡检",
	}, "file", "shot.png", []byte{0x89, 'P', 'N', 'G'})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/editor-images", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var payload struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.True(t, strings.HasPrefix(payload.URL, "/editor_images/report/"))

	// Non-image extensions are refused.
	body, contentType = multipartBody(t, map[string]string{
		"type_name":   "巡检报告",
		"report_name": "三月巡检",
	}, "file", "payload.exe", []byte("nope"))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/editor-images", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidOwnerHeaderRejected(t *testing.T) {
	_, router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodGet, "/api/v1/types", nil, "abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
