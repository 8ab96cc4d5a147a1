package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/service"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// Collector 采集编排
type Collector interface {
	Run(ctx context.Context, req service.RunRequest) (*service.RunReport, error)
	Tracker() *terminal.Tracker
}

// CollectorHandler 采集处理器
type CollectorHandler struct {
	collector Collector
	store     RecordStore
}

// NewCollectorHandler 创建采集处理器；store 可为 nil（库不存在）
func NewCollectorHandler(collector Collector, store RecordStore) *CollectorHandler {
	return &CollectorHandler{collector: collector, store: store}
}

// GatewayRequest 网关参数
type GatewayRequest struct {
	Address  string `json:"address" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// CollectRequest 采集请求
type CollectRequest struct {
	Targets  []string        `json:"targets" binding:"required,min=1"`
	Username string          `json:"username" binding:"required"`
	Password string          `json:"password"`
	Port     int             `json:"port"`
	Gateway  *GatewayRequest `json:"gateway,omitempty"`
	Workers  int             `json:"workers"`
}

func (r *CollectRequest) toRunRequest() service.RunRequest {
	req := service.RunRequest{
		Credential: model.Credential{Username: r.Username, Secret: model.Secret(r.Password), Port: r.Port},
		Workers:    r.Workers,
	}
	for _, t := range r.Targets {
		if t = strings.TrimSpace(t); t != "" {
			req.Targets = append(req.Targets, model.Target(t))
		}
	}
	if r.Gateway != nil {
		req.Gateway = &model.GatewayHop{
			Address: r.Gateway.Address,
			Credential: model.Credential{
				Username: r.Gateway.Username,
				Secret:   model.Secret(r.Gateway.Password),
				Port:     r.Gateway.Port,
			},
		}
	}
	return req
}

// Collect 同步执行一次采集运行并返回报告
// @Summary 采集设备配置
// @Tags collector
// @Accept json
// @Produce json
// @Param request body CollectRequest true "采集请求"
// @Success 200 {object} SuccessResponse
// @Failure 502 {object} SuccessResponse "网关失败，data 为部分报告"
// @Failure 503 {object} ErrorResponse "存储不存在"
// @Router /api/v1/collect [post]
func (h *CollectorHandler) Collect(c *gin.Context) {
	var request CollectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	req := request.toRunRequest()
	if len(req.Targets) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "VALIDATION_FAILED", Message: "targets 不能为空"})
		return
	}

	report, err := h.collector.Run(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "采集完成", Data: report})
	case errors.Is(err, service.ErrStoreMissing):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "STORE_MISSING", Message: err.Error()})
	case errors.Is(err, service.ErrGatewayFatal):
		c.JSON(http.StatusBadGateway, SuccessResponse{Code: "GATEWAY_FATAL", Message: err.Error(), Data: report})
	case errors.Is(err, service.ErrUnrecognizedTranscript):
		c.JSON(http.StatusUnprocessableEntity, SuccessResponse{Code: "UNRECOGNIZED_TRANSCRIPT", Message: err.Error(), Data: report})
	default:
		logger.WithFields(logrus.Fields{"request_id": c.GetString("request_id")}).WithError(err).Error("collect run failed")
		c.JSON(http.StatusInternalServerError, SuccessResponse{Code: "EXECUTION_FAILED", Message: err.Error(), Data: report})
	}
}

// Health 健康检查：存储可用即为健康
// @Router /api/v1/health [get]
func (h *CollectorHandler) Health(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "STORE_MISSING", Message: service.ErrStoreMissing.Error()})
		return
	}
	if err := h.store.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "SERVICE_UNAVAILABLE", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "服务正常"})
}

// Stats 会话与存储统计
// @Router /api/v1/stats [get]
func (h *CollectorHandler) Stats(c *gin.Context) {
	data := gin.H{"sessions": h.collector.Tracker().Stats()}
	if h.store != nil {
		data["store"] = h.store.Stats()
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "获取统计信息成功", Data: data})
}
