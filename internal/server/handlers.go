package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tartvm-manager/internal/manager"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTartVersion(c *gin.Context) {
	version, err := s.manager.Version(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

// handleListVMs serves the cached inventory without touching tart.
func (s *Server) handleListVMs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"vms":          s.manager.Inventory(),
		"last_refresh": s.manager.LastRefresh(),
	})
}

// handleRefreshVMs forces a synchronous refresh and returns the fresh
// list.
func (s *Server) handleRefreshVMs(c *gin.Context) {
	vms, err := s.manager.ListVMs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vms": vms})
}

func (s *Server) handleCategorizedVMs(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Categorized())
}

func (s *Server) handleVMSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Summary())
}

func (s *Server) handleGetVM(c *gin.Context) {
	vm, err := s.manager.GetVM(c.Param("name"))
	if err != nil {
		if errors.Is(err, manager.ErrVMNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "VM not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleGetVMConfig(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force_refresh", "false"))
	cfg, err := s.manager.GetVMConfig(c.Request.Context(), c.Param("name"), force)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleClearConfigCache(c *gin.Context) {
	s.manager.InvalidateAllVMConfigs()
	c.JSON(http.StatusOK, gin.H{"message": "config cache cleared"})
}

type startVMRequest struct {
	ExtraArgs []string `json:"extra_args"`
}

func (s *Server) handleStartVM(c *gin.Context) {
	var req startVMRequest
	// The body is optional; start without extras when none is sent.
	_ = c.ShouldBindJSON(&req)
	task := s.manager.StartVM(c.Param("name"), req.ExtraArgs)
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleStopVM(c *gin.Context) {
	task := s.manager.StopVM(c.Param("name"))
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleDeleteVM(c *gin.Context) {
	task := s.manager.DeleteVM(c.Param("name"))
	c.JSON(http.StatusAccepted, task)
}

type cloneVMRequest struct {
	NewName         string `json:"new_name" binding:"required"`
	StartAfterClone bool   `json:"start_after_clone"`
}

func (s *Server) handleCloneVM(c *gin.Context) {
	var req cloneVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "new_name is required"})
		return
	}
	task := s.manager.CloneVM(c.Param("name"), req.NewName, req.StartAfterClone)
	c.JSON(http.StatusAccepted, task)
}

type pullVMRequest struct {
	OCIURL string `json:"oci_url" binding:"required"`
}

func (s *Server) handlePullVM(c *gin.Context) {
	var req pullVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "oci_url is required"})
		return
	}
	task := s.manager.PullImage(req.OCIURL)
	c.JSON(http.StatusAccepted, task)
}

type createVMRequest struct {
	Name     string `json:"name" binding:"required"`
	SourceVM string `json:"source_vm" binding:"required"`
	CPU      int    `json:"cpu"`
	MemoryGB int    `json:"memory"`
	DiskGB   int    `json:"disk_size"`
}

func (s *Server) handleCreateVM(c *gin.Context) {
	req := createVMRequest{CPU: 4, MemoryGB: 8, DiskGB: 50}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "name and source_vm are required"})
		return
	}
	task := s.manager.CreateVM(req.Name, req.SourceVM, req.CPU, req.MemoryGB, req.DiskGB)
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleActiveTasks(c *gin.Context) {
	tasks := s.manager.ActiveTasks()
	if tasks == nil {
		tasks = []manager.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.manager.GetTask(c.Param("id"))
	if err != nil {
		if errors.Is(err, manager.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}
