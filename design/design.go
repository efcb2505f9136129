package design

import (
	. "goa.design/goa/v3/dsl"
)

// API definition
var _ = API("collicam", func() {
	Title("Collicam")
	Description("Dual camera recorder with live collision detection and overlay post-processing")
	Version("1.0")
	Server("collicam", func() {
		Host("localhost", func() {
			URI("http://localhost:8080")
		})
	})
})

// Error types
var ErrorBody = Type("ErrorBody", func() {
	Description("Error returned by every failing endpoint")
	Field(1, "error", String, "Error message")
	Field(2, "request_id", String, "Request ID assigned by the server")
	Required("error")
})

// Data types
var Device = Type("Device", func() {
	Description("Video input known to the capture layer")
	Field(1, "id", String, "Device identifier")
	Field(2, "label", String, "Human readable label")
	Field(3, "role", String, "Camera facing", func() {
		Enum("front", "back", "unknown")
	})
	Required("id", "label", "role")
})

var Assignment = Type("Assignment", func() {
	Description("Devices chosen for each role")
	Field(1, "front", String, "Front camera device ID")
	Field(2, "back", String, "Back camera device ID")
})

var Recording = Type("Recording", func() {
	Description("Summary of a recording session")
	Field(1, "id", String, "Recording ID", func() {
		Format(FormatUUID)
	})
	Field(2, "state", String, "Session state", func() {
		Enum("idle", "recording", "stopped")
	})
	Field(3, "elapsed_seconds", Int, "Whole seconds recorded")
	Field(4, "chunk_count", Int, "Number of encoded chunks")
	Field(5, "size_bytes", Int, "Artifact size")
	Field(6, "stop_reason", String, "Why the session stopped", func() {
		Enum("manual", "auto", "sink-error")
	})
	Field(7, "error", String, "Sink failure, if any")
	Field(8, "started_at", String, func() {
		Format(FormatDateTime)
	})
	Field(9, "stopped_at", String, func() {
		Format(FormatDateTime)
	})
	Required("id", "state", "elapsed_seconds")
})

var OverlayEntry = Type("OverlayEntry", func() {
	Description("One timed image overlay")
	Field(1, "imageRef", String, "Image URL")
	Field(2, "startOffsetSeconds", Float64, "Offset the overlay appears at")
	Field(3, "endOffsetSeconds", Float64, "Offset the overlay disappears at")
	Required("imageRef", "startOffsetSeconds", "endOffsetSeconds")
})

var ProcessedAsset = Type("ProcessedAsset", func() {
	Description("Result of post-processing a recording")
	Field(1, "id", String, "Asset ID")
	Field(2, "recordingId", String, "Source recording")
	Field(3, "sourceUrl", String, "Uploaded raw video")
	Field(4, "overlayPlan", ArrayOf(OverlayEntry), "Overlays applied")
	Field(5, "resultUrl", String, "Transformed video")
	Field(6, "createdAt", String, func() {
		Format(FormatDateTime)
	})
	Required("id", "recordingId", "sourceUrl", "resultUrl")
})

var Image = Type("Image", func() {
	Description("Overlay image in the pool")
	Field(1, "id", String, "Image ID")
	Field(2, "url", String, "Image URL", func() {
		Format(FormatURI)
	})
	Field(3, "created_at", String, func() {
		Format(FormatDateTime)
	})
	Required("id", "url")
})

var BBox = Type("BBox", func() {
	Description("Box in frame pixels, origin top-left")
	Field(1, "x", Float64)
	Field(2, "y", Float64)
	Field(3, "width", Float64)
	Field(4, "height", Float64)
	Required("x", "y", "width", "height")
})

var Detection = Type("Detection", func() {
	Description("Object detected in a frame")
	Field(1, "class", String, "Class label")
	Field(2, "bbox", BBox)
	Field(3, "score", Float64, "Score between 0 and 1")
	Required("class", "bbox", "score")
})

var Detections = Type("Detections", func() {
	Description("Latest detection result for one camera")
	Field(1, "seq", UInt64, "Frame sequence")
	Field(2, "timestamp", String, func() {
		Format(FormatDateTime)
	})
	Field(3, "detections", ArrayOf(Detection))
	Field(4, "collision", Boolean, "Whether any two boxes overlap")
	Required("seq", "timestamp", "detections", "collision")
})

var Collision = Type("Collision", func() {
	Description("Logged collision")
	Field(1, "id", Int64)
	Field(2, "source", String, "Camera role")
	Field(3, "classes", ArrayOf(String), "Classes involved")
	Field(4, "pairs", Int, "Overlapping pairs")
	Field(5, "timestamp", String, func() {
		Format(FormatDateTime)
	})
	Required("id", "source", "pairs", "timestamp")
})

var Status = Type("Status", func() {
	Description("Capture and recording status")
	Field(1, "state", String, "Session state")
	Field(2, "recording_id", String)
	Field(3, "elapsed_seconds", Int)
	Field(4, "stop_reason", String)
	Field(5, "max_seconds", Int, "Hard recording limit")
	Field(6, "cameras", ArrayOf(String), "Roles being previewed")
	Field(7, "assignment", Assignment)
	Field(8, "collisions", MapOf(String, Boolean), "Collision flag per role")
	Field(9, "latest", MapOf(String, Detections), "Latest result per role")
	Required("state", "elapsed_seconds", "max_seconds", "cameras")
})

// Health check service
var _ = Service("health", func() {
	Description("Liveness and readiness probes")

	Method("healthz", func() {
		Result(Empty)
		HTTP(func() {
			GET("/healthz")
			Response(StatusOK)
		})
	})

	Method("readyz", func() {
		Description("Fails while a detector backend is still loading")
		Result(Empty)
		Error("not_ready", ErrorBody)
		HTTP(func() {
			GET("/readyz")
			Response(StatusOK)
			Response("not_ready", StatusServiceUnavailable)
		})
	})
})

// Auth service
var _ = Service("auth", func() {
	Description("Token based authentication")

	Method("status", func() {
		Result(func() {
			Field(1, "enabled", Boolean)
			Required("enabled")
		})
		HTTP(func() {
			GET("/api/auth/status")
			Response(StatusOK)
		})
	})

	Method("login", func() {
		Payload(func() {
			Field(1, "username", String)
			Field(2, "password", String)
			Required("username", "password")
		})
		Result(func() {
			Field(1, "token", String, "Bearer token")
			Field(2, "expires_at", Int64, "Unix expiry")
			Required("token", "expires_at")
		})
		Error("unauthorized", ErrorBody)
		Error("disabled", ErrorBody)
		HTTP(func() {
			POST("/api/auth/login")
			Response(StatusOK)
			Response("unauthorized", StatusUnauthorized)
			Response("disabled", StatusServiceUnavailable)
		})
	})
})

// Capture service
var _ = Service("capture", func() {
	Description("Camera access, preview and live detection")

	Method("status", func() {
		Result(Status)
		HTTP(func() {
			GET("/api/status")
			Response(StatusOK)
		})
	})

	Method("devices", func() {
		Description("List video inputs, requesting access first when needed")
		Result(func() {
			Field(1, "devices", ArrayOf(Device))
			Field(2, "assignment", Assignment)
			Required("devices", "assignment")
		})
		Error("permission_denied", ErrorBody)
		HTTP(func() {
			GET("/api/devices")
			Response(StatusOK)
			Response("permission_denied", StatusForbidden)
		})
	})

	Method("start_preview", func() {
		Result(Status)
		Error("no_device", ErrorBody)
		HTTP(func() {
			POST("/api/preview/start")
			Response(StatusOK)
			Response("no_device", StatusServiceUnavailable)
		})
	})

	Method("stop_preview", func() {
		Result(Status)
		HTTP(func() {
			POST("/api/preview/stop")
			Response(StatusOK)
		})
	})

	Method("detections", func() {
		Payload(func() {
			Field(1, "role", String, func() {
				Enum("front", "back")
			})
			Required("role")
		})
		Result(Detections)
		Error("not_found", ErrorBody)
		HTTP(func() {
			GET("/api/detections/{role}")
			Response(StatusOK)
			Response("not_found", StatusNotFound)
		})
	})

	Method("snapshot", func() {
		Description("Latest frame with detection boxes drawn")
		Payload(func() {
			Field(1, "role", String, func() {
				Enum("front", "back")
			})
			Required("role")
		})
		Result(Bytes)
		Error("not_found", ErrorBody)
		HTTP(func() {
			GET("/api/snapshot/{role}")
			Response(StatusOK, func() {
				ContentType("image/jpeg")
			})
			Response("not_found", StatusNotFound)
		})
	})

	Method("collisions", func() {
		Payload(func() {
			Field(1, "source", String)
			Field(2, "since", String, func() {
				Format(FormatDateTime)
			})
			Field(3, "limit", Int, func() {
				Default(50)
			})
		})
		Result(ArrayOf(Collision))
		HTTP(func() {
			GET("/api/collisions")
			Param("source")
			Param("since")
			Param("limit")
			Response(StatusOK)
		})
	})
})

// Recording service
var _ = Service("recordings", func() {
	Description("Recording sessions and post-processing")

	Method("list", func() {
		Payload(func() {
			Field(1, "limit", Int, func() {
				Default(50)
			})
		})
		Result(ArrayOf(Recording))
		HTTP(func() {
			GET("/api/recordings")
			Param("limit")
			Response(StatusOK)
		})
	})

	Method("start", func() {
		Result(Recording)
		Error("already_recording", ErrorBody)
		Error("no_device", ErrorBody)
		HTTP(func() {
			POST("/api/recordings/start")
			Response(StatusCreated)
			Response("already_recording", StatusConflict)
			Response("no_device", StatusServiceUnavailable)
		})
	})

	Method("stop", func() {
		Result(Recording)
		HTTP(func() {
			POST("/api/recordings/stop")
			Response(StatusOK)
		})
	})

	Method("artifact", func() {
		Payload(func() {
			Field(1, "id", String)
			Required("id")
		})
		Result(Bytes)
		Error("not_found", ErrorBody)
		HTTP(func() {
			GET("/api/recordings/{id}/artifact")
			Response(StatusOK, func() {
				ContentType("video/webm")
			})
			Response("not_found", StatusNotFound)
		})
	})

	Method("process", func() {
		Description("Upload the recording and apply timed overlays")
		Payload(func() {
			Field(1, "id", String)
			Field(2, "images", ArrayOf(String), "Overlay images; the pool is used when empty")
			Required("id")
		})
		Result(ProcessedAsset)
		Error("not_found", ErrorBody)
		Error("bad_request", ErrorBody)
		Error("upstream", ErrorBody)
		HTTP(func() {
			POST("/api/recordings/{id}/process")
			Response(StatusOK)
			Response("not_found", StatusNotFound)
			Response("bad_request", StatusBadRequest)
			Response("upstream", StatusBadGateway)
		})
	})
})

// Overlay service
var _ = Service("overlays", func() {
	Description("Overlay plans and the image pool")

	Method("plan", func() {
		Payload(func() {
			Field(1, "duration", Float64, "Recording length in seconds")
			Field(2, "images", String, "Comma separated image URLs")
			Required("duration")
		})
		Result(ArrayOf(OverlayEntry))
		Error("bad_request", ErrorBody)
		HTTP(func() {
			GET("/api/overlays/plan")
			Param("duration")
			Param("images")
			Response(StatusOK)
			Response("bad_request", StatusBadRequest)
		})
	})

	Method("images", func() {
		Result(ArrayOf(Image))
		HTTP(func() {
			GET("/api/images")
			Response(StatusOK)
		})
	})

	Method("add_image", func() {
		Description("Add an image by URL or multipart upload")
		Payload(func() {
			Field(1, "url", String, func() {
				Format(FormatURI)
			})
			Required("url")
		})
		Result(Image)
		Error("bad_request", ErrorBody)
		HTTP(func() {
			POST("/api/images")
			Response(StatusCreated)
			Response("bad_request", StatusBadRequest)
		})
	})

	Method("remove_image", func() {
		Payload(func() {
			Field(1, "id", String)
			Required("id")
		})
		Result(Empty)
		Error("not_found", ErrorBody)
		HTTP(func() {
			DELETE("/api/images/{id}")
			Response(StatusNoContent)
			Response("not_found", StatusNotFound)
		})
	})

	Method("assets", func() {
		Payload(func() {
			Field(1, "recording", String)
			Field(2, "limit", Int, func() {
				Default(50)
			})
		})
		Result(ArrayOf(ProcessedAsset))
		HTTP(func() {
			GET("/api/assets")
			Param("recording")
			Param("limit")
			Response(StatusOK)
		})
	})

	Method("asset", func() {
		Payload(func() {
			Field(1, "id", String)
			Required("id")
		})
		Result(ProcessedAsset)
		Error("not_found", ErrorBody)
		HTTP(func() {
			GET("/api/assets/{id}")
			Response(StatusOK)
			Response("not_found", StatusNotFound)
		})
	})
})

// Forwarding endpoint
var _ = Service("process_video", func() {
	Description("Uploads a remote video with timed overlays and returns the transformed URL")

	Method("process", func() {
		Payload(func() {
			Field(1, "videoUrl", String)
			Field(2, "images", ArrayOf(String))
			Field(3, "duration", Float64)
			Required("videoUrl", "images", "duration")
		})
		Result(func() {
			Field(1, "processedVideoUrl", String)
			Required("processedVideoUrl")
		})
		Error("failed", ErrorBody)
		HTTP(func() {
			POST("/api/process-video")
			Response(StatusOK)
			Response("failed", StatusInternalServerError)
		})
	})
})
