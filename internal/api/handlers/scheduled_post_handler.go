package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/chatwit-social/scheduling-api/internal/service"
	"github.com/chatwit-social/scheduling-api/internal/transfer"
	"github.com/gofiber/fiber/v2"
)

// localFireAtLayout is what an HTML datetime-local input submits.
const localFireAtLayout = "2006-01-02T15:04"

type ScheduledPostHandler struct {
	s   service.SchedulingService
	loc *time.Location
}

func NewScheduledPostHandler(s service.SchedulingService, loc *time.Location) *ScheduledPostHandler {
	return &ScheduledPostHandler{s: s, loc: loc}
}

type createRequest struct {
	transfer.ScheduledPostInput
	Split bool `json:"split"`
}

func (h *ScheduledPostHandler) CreateScheduledPost(c *fiber.Ctx) error {
	userID := GetUserID(c)
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return badRequest(c, "account id is not valid")
	}

	var req createRequest
	if isMultipart(c) {
		if err := h.parseCreateForm(c, &req); err != nil {
			return badRequest(c, err.Error())
		}
	} else if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Unable to parse request body")
	}
	req.AccountID = int64(accountID)
	req.Split = req.Split || c.QueryBool("split")

	if req.Split {
		result, err := h.s.CreateGroup(c.Context(), userID, &req.ScheduledPostInput)
		if err != nil {
			return respondError(c, err)
		}
		status := fiber.StatusCreated
		if len(result.Failed) > 0 {
			status = fiber.StatusMultiStatus
		}
		return c.Status(status).JSON(result)
	}

	post, err := h.s.Create(c.Context(), userID, &req.ScheduledPostInput)
	return h.respondPost(c, fiber.StatusCreated, post, err)
}

func (h *ScheduledPostHandler) ListScheduledPosts(c *fiber.Ctx) error {
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return badRequest(c, "account id is not valid")
	}

	posts, err := h.s.List(c.Context(), GetUserID(c), int64(accountID))
	if err != nil {
		return respondError(c, err)
	}
	if posts == nil {
		posts = []*models.ScheduledPost{}
	}
	return c.Status(fiber.StatusOK).JSON(posts)
}

func (h *ScheduledPostHandler) GetScheduledPost(c *fiber.Ctx) error {
	accountID, postID, err := postParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	post, err := h.s.Get(c.Context(), GetUserID(c), accountID, postID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *ScheduledPostHandler) UpdateScheduledPost(c *fiber.Ctx) error {
	accountID, postID, err := postParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	in, err := h.parseUpdate(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	post, err := h.s.Update(c.Context(), GetUserID(c), accountID, postID, in)
	return h.respondPost(c, fiber.StatusOK, post, err)
}

func (h *ScheduledPostHandler) DeleteScheduledPost(c *fiber.Ctx) error {
	accountID, postID, err := postParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.s.Delete(c.Context(), GetUserID(c), accountID, postID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ScheduledPostHandler) UpdateGroup(c *fiber.Ctx) error {
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return badRequest(c, "account id is not valid")
	}

	in, err := h.parseUpdate(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.s.UpdateGroup(c.Context(), GetUserID(c), int64(accountID), c.Params("groupID"), in)
	return respondGroup(c, result, err)
}

func (h *ScheduledPostHandler) DeleteGroup(c *fiber.Ctx) error {
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return badRequest(c, "account id is not valid")
	}

	result, err := h.s.DeleteGroup(c.Context(), GetUserID(c), int64(accountID), c.Params("groupID"))
	return respondGroup(c, result, err)
}

func (h *ScheduledPostHandler) UploadMedia(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "No file selected")
	}

	file, err := readUpload(fh)
	if err != nil {
		return badRequest(c, err.Error())
	}

	hosted, err := h.s.UploadMedia(c.Context(), GetUserID(c), file)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(hosted)
}

// respondPost answers 202 when the post was stored but its job could not be
// registered; the reconciliation sweep picks it up later.
func (h *ScheduledPostHandler) respondPost(c *fiber.Ctx, status int, post *models.ScheduledPost, err error) error {
	var qe *service.QueueInconsistencyError
	if errors.As(err, &qe) && post != nil {
		return c.Status(qe.StatusCode()).JSON(fiber.Map{
			"post":    post,
			"code":    qe.ErrCode(),
			"warning": "Post saved, scheduling will be retried",
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(status).JSON(post)
}

func respondGroup(c *fiber.Ctx, result *transfer.GroupResult, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if len(result.Failed) > 0 {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(result)
}

func postParams(c *fiber.Ctx) (int64, int64, error) {
	accountID, err := c.ParamsInt("accountID")
	if err != nil || accountID <= 0 {
		return 0, 0, errors.New("account id is not valid")
	}
	postID, err := c.ParamsInt("id")
	if err != nil || postID <= 0 {
		return 0, 0, errors.New("post id is not valid")
	}
	return int64(accountID), int64(postID), nil
}

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm)
}

func (h *ScheduledPostHandler) parseCreateForm(c *fiber.Ctx, req *createRequest) error {
	form, err := c.MultipartForm()
	if err != nil {
		return errors.New("unable to parse form")
	}

	in := &req.ScheduledPostInput
	if in.FireAt, err = h.parseFireAt(firstNonEmpty(c.FormValue("fire_at"), c.FormValue("scheduling_time"))); err != nil {
		return err
	}
	in.Caption = c.FormValue("caption")
	in.Mode = models.DistributionMode(c.FormValue("distribution_mode"))

	flags := map[string]*bool{
		"instagram":                 &in.Instagram,
		"facebook":                  &in.Facebook,
		"stories":                   &in.Stories,
		"reels":                     &in.Reels,
		"feed":                      &in.Feed,
		"daily":                     &in.Daily,
		"randomize":                 &in.Randomize,
		"treat_as_individual_posts": &in.TreatAsIndividualPosts,
		"split":                     &req.Split,
	}
	for key, dst := range flags {
		v, err := formBool(c.FormValue(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if v != nil {
			*dst = *v
		}
	}

	if raw := c.FormValue("media"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Media); err != nil {
			return errors.New("media is not valid JSON")
		}
	}

	in.Files, err = readUploads(form.File["files"])
	return err
}

func (h *ScheduledPostHandler) parseUpdate(c *fiber.Ctx) (*transfer.ScheduledPostUpdate, error) {
	in := &transfer.ScheduledPostUpdate{}
	if !isMultipart(c) {
		if err := c.BodyParser(in); err != nil {
			return nil, errors.New("unable to parse request body")
		}
		return in, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, errors.New("unable to parse form")
	}

	if raw := firstNonEmpty(c.FormValue("fire_at"), c.FormValue("scheduling_time")); raw != "" {
		fireAt, err := h.parseFireAt(raw)
		if err != nil {
			return nil, err
		}
		in.FireAt = &fireAt
	}
	if _, ok := form.Value["caption"]; ok {
		caption := c.FormValue("caption")
		in.Caption = &caption
	}
	if raw := c.FormValue("distribution_mode"); raw != "" {
		mode := models.DistributionMode(raw)
		in.Mode = &mode
	}

	flags := map[string]**bool{
		"instagram":                 &in.Instagram,
		"facebook":                  &in.Facebook,
		"stories":                   &in.Stories,
		"reels":                     &in.Reels,
		"feed":                      &in.Feed,
		"daily":                     &in.Daily,
		"randomize":                 &in.Randomize,
		"treat_as_individual_posts": &in.TreatAsIndividualPosts,
	}
	for key, dst := range flags {
		v, err := formBool(c.FormValue(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = v
	}

	if raw := c.FormValue("media"); raw != "" {
		var media []transfer.AttachmentInput
		if err := json.Unmarshal([]byte(raw), &media); err != nil {
			return nil, errors.New("media is not valid JSON")
		}
		in.Media = &media
	}

	if in.Files, err = readUploads(form.File["files"]); err != nil {
		return nil, err
	}
	return in, nil
}

// parseFireAt accepts RFC 3339 or a zone-less local time, which is read in
// the scheduling timezone.
func (h *ScheduledPostHandler) parseFireAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("fire_at is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localFireAtLayout, raw, h.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("fire_at %q is not a valid time", raw)
	}
	return t, nil
}

func formBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	if raw == "on" {
		v := true
		return &v, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%q is not a boolean", raw)
	}
	return &v, nil
}

func readUploads(headers []*multipart.FileHeader) ([]transfer.UploadedFile, error) {
	files := make([]transfer.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func readUpload(fh *multipart.FileHeader) (transfer.UploadedFile, error) {
	f, err := fh.Open()
	if err != nil {
		return transfer.UploadedFile{}, fmt.Errorf("unable to open %s", fh.Filename)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return transfer.UploadedFile{}, fmt.Errorf("unable to read %s", fh.Filename)
	}
	return transfer.UploadedFile{Name: fh.Filename, Content: content}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
