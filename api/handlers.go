package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/wire"
)

// GetHealth answers the clients' preflight reachability probe
func (s *Server) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetAnnotations loads the persisted annotation set for an image
func (s *Server) GetAnnotations(c *gin.Context) {
	imageID := c.Param("id")

	annotations, err := s.annotations.Load(c.Request.Context(), imageID)
	if err != nil {
		slogging.Get().Error("annotation load failed image_id=%s error=%v", imageID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load annotations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_id":    imageID,
		"annotations": annotations,
	})
}

type saveAnnotationsRequest struct {
	Annotations []annotation.Annotation `json:"annotations"`
}

// PutAnnotations replaces the persisted annotation set for an image. The
// operation is idempotent: retrying the same payload converges to the same
// stored state.
func (s *Server) PutAnnotations(c *gin.Context) {
	imageID := c.Param("id")

	var req saveAnnotationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, a := range req.Annotations {
		if a.ImageID != imageID {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "annotation image_id must match the path image id",
			})
			return
		}
		if err := a.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.annotations.Save(c.Request.Context(), imageID, req.Annotations); err != nil {
		slogging.Get().Error("annotation save failed image_id=%s error=%v", imageID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save annotations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": len(req.Annotations)})
}

// PostLock attempts to acquire the exclusive lock on an annotation for the
// authenticated user. 201 on success, 409 when another participant holds it.
func (s *Server) PostLock(c *gin.Context) {
	imageID := c.Param("id")
	annotationID := c.Param("aid")
	holder := UserIDFromContext(c)

	acquired, err := s.locks.Acquire(c.Request.Context(), imageID, annotationID, holder)
	if err != nil {
		slogging.Get().Error("lock acquire failed image_id=%s annotation_id=%s error=%v", imageID, annotationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock acquire failed"})
		return
	}
	if !acquired {
		status, _ := s.locks.Status(c.Request.Context(), imageID, annotationID)
		c.JSON(http.StatusConflict, status)
		return
	}
	c.JSON(http.StatusCreated, wire.LockStatus{
		AnnotationID: annotationID,
		Locked:       true,
		HolderID:     holder,
	})
}

// DeleteLock releases the authenticated user's lock on an annotation.
// Releasing a lock the user does not hold is a no-op.
func (s *Server) DeleteLock(c *gin.Context) {
	imageID := c.Param("id")
	annotationID := c.Param("aid")
	holder := UserIDFromContext(c)

	if err := s.locks.Release(c.Request.Context(), imageID, annotationID, holder); err != nil {
		slogging.Get().Error("lock release failed image_id=%s annotation_id=%s error=%v", imageID, annotationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock release failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLock reports the lock's current holder. The answer is advisory and may
// be stale immediately.
func (s *Server) GetLock(c *gin.Context) {
	imageID := c.Param("id")
	annotationID := c.Param("aid")

	status, err := s.locks.Status(c.Request.Context(), imageID, annotationID)
	if err != nil {
		slogging.Get().Error("lock status failed image_id=%s annotation_id=%s error=%v", imageID, annotationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock status failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}
