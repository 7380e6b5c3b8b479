package server

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	authed := api.Group("", TokenAuthMiddleware(s.cfg.Token))
	authed.GET("/tart/version", s.handleTartVersion)

	authed.GET("/vms", s.handleListVMs)
	authed.POST("/vms/refresh", s.handleRefreshVMs)
	authed.GET("/vms/categorized", s.handleCategorizedVMs)
	authed.GET("/vms/summary", s.handleVMSummary)
	authed.POST("/vms/pull", s.handlePullVM)
	authed.POST("/vms/create", s.handleCreateVM)
	authed.DELETE("/vms/config-cache", s.handleClearConfigCache)
	authed.GET("/vms/:name", s.handleGetVM)
	authed.GET("/vms/:name/config", s.handleGetVMConfig)
	authed.POST("/vms/:name/start", s.handleStartVM)
	authed.POST("/vms/:name/stop", s.handleStopVM)
	authed.POST("/vms/:name/delete", s.handleDeleteVM)
	authed.POST("/vms/:name/clone", s.handleCloneVM)

	authed.GET("/tasks/active", s.handleActiveTasks)
	authed.GET("/tasks/:id", s.handleGetTask)

	// The websocket endpoint authenticates via query parameter because
	// browser WebSocket clients cannot set headers.
	s.engine.GET("/ws/tasks/:id", s.handleTaskWebSocket)
}
