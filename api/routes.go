package api

import (
	"github.com/gin-gonic/gin"

	"devicehub/service"
)

// SetupRoutes wires the REST surface and the agent websocket.
func SetupRoutes(router *gin.Engine, h *Handlers, registry *service.ClientRegistry) {
	// Enable CORS
	router.Use(CORSMiddleware())

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/devices", h.ListDevices)

		device := api.Group("/device")
		{
			device.GET("/sessions", h.ListCommandSessions)
			device.GET("/:device_id/session", h.GetCommandSession)
			device.POST("/:device_id/commands", h.EnqueueCommand)
			device.GET("/:device_id/commands", h.ListCommands)
			device.GET("/:device_id/command/:command_id", h.GetCommand)
			device.POST("/:device_id/queue/clear", h.ClearQueue)
			device.POST("/:device_id/session/close", h.CloseCommandSession)
		}

		stream := api.Group("/stream")
		{
			stream.GET("/sessions", h.ListStreamSessions)
			stream.GET("/:device_id/session", h.GetStreamSession)
			stream.POST("/:device_id/start", h.StartStream)
			stream.POST("/:device_id/stop", h.StopStream)
			stream.POST("/:device_id/restart", h.RestartStream)
			stream.PUT("/:device_id/config", h.UpdateStreamConfig)
			stream.GET("/:device_id/mjpeg", h.StreamMJPEG)
		}

		webrtc := api.Group("/webrtc")
		{
			webrtc.GET("/config", h.WebRTCConfig)
			webrtc.POST("/offer", h.RelayOffer)
		}

		live := api.Group("/live")
		{
			live.POST("/:device_id/connect", h.ConnectLive)
			live.GET("/:device_id", h.GetLive)
			live.DELETE("/:device_id", h.DisconnectLive)
		}
	}

	// Agent websocket route
	router.GET("/ws", func(c *gin.Context) {
		HandleAgentSocket(registry, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
