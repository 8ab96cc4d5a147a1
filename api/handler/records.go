package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/internal/model"
)

// RecordStore 记录查询所需的存储操作
type RecordStore interface {
	Health() error
	Stats() map[string]interface{}
	ListRecords(ctx context.Context, f database.RecordFilter) ([]model.DeviceRecord, int64, error)
	GetRecord(ctx context.Context, id uint) (*model.DeviceRecord, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
}

// RecordHandler 设备配置记录处理器
type RecordHandler struct {
	store RecordStore
}

// NewRecordHandler 创建记录处理器
func NewRecordHandler(store RecordStore) *RecordHandler {
	return &RecordHandler{store: store}
}

func (h *RecordHandler) available(c *gin.Context) bool {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "STORE_MISSING", Message: database.ErrStoreMissing.Error()})
		return false
	}
	return true
}

// ListRecords 列出记录（不含配置正文）
// @Router /api/v1/records [get]
func (h *RecordHandler) ListRecords(c *gin.Context) {
	if !h.available(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	records, total, err := h.store.ListRecords(c.Request.Context(), database.RecordFilter{
		Address:  c.Query("address"),
		DeviceID: c.Query("device_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "QUERY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ListResponse{Code: "SUCCESS", Total: total, Items: records})
}

// GetRecord 读取单条记录
// @Router /api/v1/records/{id} [get]
func (h *RecordHandler) GetRecord(c *gin.Context) {
	if !h.available(c) {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "无效的记录ID"})
		return
	}
	rec, err := h.store.GetRecord(c.Request.Context(), uint(id))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "记录不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "QUERY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: rec})
}

// ListRuns 最近的运行记录
// @Router /api/v1/runs [get]
func (h *RecordHandler) ListRuns(c *gin.Context) {
	if !h.available(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "QUERY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ListResponse{Code: "SUCCESS", Total: int64(len(runs)), Items: runs})
}
