package handler

import (
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"github.com/mohammadanang/upload-relay/domain"
	"github.com/mohammadanang/upload-relay/relay"
	"github.com/mohammadanang/upload-relay/storage"
)

type Handler interface {
	Start(c *fiber.Ctx) error
}

type Dispatcher interface {
	Target(second bool) relay.Target
	Run(ctx context.Context, target relay.Target, u *storage.Upload, n int) (domain.Summary, error)
}

type ApiHandler struct {
	logger      *slog.Logger
	scratch     *storage.Scratch
	dispatcher  Dispatcher
	maxRequests int
}

// NewAPIHandler builds the /start handler. maxRequests of zero leaves
// numOfRequests unbounded.
func NewAPIHandler(logger *slog.Logger, scratch *storage.Scratch, dispatcher Dispatcher, maxRequests int) Handler {
	return &ApiHandler{
		logger:      logger,
		scratch:     scratch,
		dispatcher:  dispatcher,
		maxRequests: maxRequests,
	}
}

func (h *ApiHandler) Start(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, domain.MsgMissingFile)
	}

	body := domain.NewStartRequest()
	if err := c.BodyParser(body); err != nil || body.NumOfRequests < 1 {
		return errorJSON(c, fiber.StatusBadRequest, domain.MsgInvalidCount)
	}
	if h.maxRequests > 0 && body.NumOfRequests > h.maxRequests {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Sprintf("numOfRequests exceeds the limit of %d", h.maxRequests))
	}

	log := h.logger.With(slog.String("rid", c.GetRespHeader(fiber.HeaderXRequestID)))

	upload, err := h.scratch.Acquire(file.Filename, file.Header.Get(fiber.HeaderContentType), saveTo(c, file))
	if err != nil {
		log.Error("failed to store upload", slog.String("err", err.Error()))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to save file")
	}
	defer func() {
		if err := upload.Release(); err != nil {
			log.Error("failed to release upload", slog.String("err", err.Error()))
		}
	}()

	target := h.dispatcher.Target(body.UseSecondTarget())
	summary, err := h.dispatcher.Run(c.UserContext(), target, upload, body.NumOfRequests)
	if err != nil {
		log.Error("relay failed",
			slog.String("err", err.Error()),
			slog.String("host", target.Host),
			slog.Int("numOfRequests", body.NumOfRequests),
		)
		return errorJSON(c, fiber.StatusServiceUnavailable, domain.MsgAPIDown)
	}

	log.Info("relay completed",
		slog.String("file", upload.Filename),
		slog.String("host", target.Host),
		slog.Int("numOfRequests", summary.Total()),
		slog.Int("failedRequests", len(summary.Rejected)),
	)

	return c.Status(fiber.StatusOK).JSON(summary.Response())
}

func saveTo(c *fiber.Ctx, file *multipart.FileHeader) storage.Saver {
	return func(path string) error {
		return c.SaveFile(file, path)
	}
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(domain.ErrorResponse{Message: msg})
}
