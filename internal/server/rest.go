package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lastbench/feedsync/internal/board"
)

const incrementProcedure = "increment_counter"

// parseQuery reads PostgREST-style filters: column=eq.value and
// column=in.(a,b). The select parameter is accepted and ignored because
// every table returns its joins.
func parseQuery(values url.Values) (board.Query, error) {
	query := board.Query{Equal: map[string]string{}, In: map[string][]string{}}
	for key, entries := range values {
		if len(entries) == 0 {
			continue
		}
		value := entries[0]
		switch key {
		case "select":
		case "order":
			query.Order = value
		case "offset", "limit":
			parsed, err := strconv.Atoi(value)
			if err != nil || parsed < 0 {
				return board.Query{}, fmt.Errorf("%w: %s=%q", board.ErrInvalidQuery, key, value)
			}
			if key == "offset" {
				query.Offset = parsed
			} else {
				query.Limit = parsed
			}
		default:
			switch {
			case strings.HasPrefix(value, "eq."):
				query.Equal[key] = strings.TrimPrefix(value, "eq.")
			case strings.HasPrefix(value, "in.(") && strings.HasSuffix(value, ")"):
				list := strings.TrimSuffix(strings.TrimPrefix(value, "in.("), ")")
				if list == "" {
					query.In[key] = []string{}
					continue
				}
				query.In[key] = strings.Split(list, ",")
			default:
				return board.Query{}, fmt.Errorf("%w: unsupported filter %s=%q", board.ErrInvalidQuery, key, value)
			}
		}
	}
	return query, nil
}

func (h *httpHandler) handleList(c *gin.Context) {
	tableName := c.Param("table")
	query, err := parseQuery(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	if tableName == "notifications" {
		userID := c.GetString(userIDContextKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if requested, ok := query.Equal["user_id"]; ok && requested != userID {
			c.JSON(http.StatusOK, []board.Row{})
			return
		}
		query.Equal["user_id"] = userID
	}
	rows, err := h.board.List(c.Request.Context(), tableName, query)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	var payload board.Row
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	row, err := h.board.Insert(c.Request.Context(), c.Param("table"), c.GetString(userIDContextKey), payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, []board.Row{row})
}

// handleUpdate patches the row named by id=eq.<id>. A row the caller does
// not own is reported as missing so optimistic clients roll back.
func (h *httpHandler) handleUpdate(c *gin.Context) {
	query, err := parseQuery(c.Request.URL.Query())
	id := query.Equal["id"]
	if err != nil || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	var patch board.Row
	if err := c.ShouldBindJSON(&patch); err != nil || len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changed, err := h.board.Update(c.Request.Context(), c.Param("table"), c.GetString(userIDContextKey), id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	if changed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "row_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleDelete removes the row named by id=eq.<id> and returns the ids that
// went away, which is empty when the caller does not own the row.
func (h *httpHandler) handleDelete(c *gin.Context) {
	query, err := parseQuery(c.Request.URL.Query())
	id := query.Equal["id"]
	if err != nil || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	deleted, err := h.board.Delete(c.Request.Context(), c.Param("table"), c.GetString(userIDContextKey), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows := []board.Row{}
	if deleted > 0 {
		rows = append(rows, board.Row{"id": id})
	}
	c.JSON(http.StatusOK, rows)
}

type incrementRequestPayload struct {
	Table  string `json:"target_table"`
	RowID  string `json:"row_id"`
	Column string `json:"counter"`
	Delta  int    `json:"delta"`
}

func (h *httpHandler) handleProcedure(c *gin.Context) {
	if c.Param("procedure") != incrementProcedure {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_procedure"})
		return
	}
	if c.GetString(userIDContextKey) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request incrementRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Table == "" || request.RowID == "" || request.Column == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	value, err := h.board.Increment(c.Request.Context(), request.Table, request.RowID, request.Column, request.Delta)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, value)
}
