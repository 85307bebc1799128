package action

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"github.com/grafana/btm/pkg/model"
)

// DetailOriginalURI records the URI a node had before evaluate-uri rewrote it.
const DetailOriginalURI = "btm_original_uri"

type setFaultHandler struct {
	base
}

func (h *setFaultHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true})
}

// Process overwrites any existing fault: set-fault is the only action that targets it.
func (h *setFaultHandler) Process(ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	node.SetFault(v)
	if ctx != nil {
		ctx.FaultSetBy = h.cfg.label()
	}
	return h.applied()
}

type setFaultDescriptionHandler struct {
	base
}

func (h *setFaultDescriptionHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true})
}

func (h *setFaultDescriptionHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	node.FaultDescription = v
	return h.applied()
}

type setPropertyHandler struct {
	base
}

func (h *setPropertyHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true, name: true})
}

func (h *setPropertyHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	node.SetProperty(h.cfg.Name, v)
	return h.applied()
}

type setDetailHandler struct {
	base
}

func (h *setDetailHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true, name: true})
}

func (h *setDetailHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	node.SetDetail(h.cfg.Name, v)
	return h.applied()
}

// setNameHandler names the business transaction. The first name wins.
type setNameHandler struct {
	base
}

func (h *setNameHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true})
}

func (h *setNameHandler) Process(ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	btxn := ctx.transaction()
	if btxn == nil || btxn.Name != "" {
		return false
	}
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	btxn.Name = v
	return h.applied()
}

type addCorrelationIDHandler struct {
	base
}

func (h *addCorrelationIDHandler) Init(cfg Config) []model.Issue {
	h.init(cfg, initOpts{expression: true})
	if !cfg.Scope.Valid() {
		h.addIssue(model.ErrorIssue("scope", fmt.Sprintf("unknown correlation scope %q", cfg.Scope)))
		h.disabled = true
	}
	return h.Issues()
}

func (h *addCorrelationIDHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}
	if !node.AddCorrelationID(model.CorrelationIdentifier{Scope: h.cfg.Scope, Value: v}) {
		return false
	}
	return h.applied()
}

// addContentHandler stores the evaluated value as a named content part of the
// message flowing in the current direction.
type addContentHandler struct {
	base
}

func (h *addContentHandler) Init(cfg Config) []model.Issue {
	return h.init(cfg, initOpts{expression: true, name: true})
}

func (h *addContentHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}
	v, ok := h.evaluate(node, direction, headers, content)
	if !ok {
		return false
	}

	response := direction == model.Out
	if node.Type == model.Producer {
		response = !response
	}
	if response {
		node.SetResponseContent(h.cfg.Name, v, h.cfg.ContentType)
	} else {
		node.SetRequestContent(h.cfg.Name, v, h.cfg.ContentType)
	}
	return h.applied()
}

// evaluateURIHandler matches the node URI against a template such as
// /orders/{orderId}, copies the captured segments into properties and replaces
// the URI with the template.
type evaluateURIHandler struct {
	base
	re     *regexp.Regexp
	params []string
}

func (h *evaluateURIHandler) Init(cfg Config) []model.Issue {
	h.init(cfg, initOpts{})
	h.re, h.params = nil, nil

	if cfg.Template == "" {
		h.addIssue(model.ErrorIssue("template", "template must be set"))
		h.disabled = true
		return h.Issues()
	}

	re, params, err := compileTemplate(cfg.Template)
	if err != nil {
		h.addIssue(model.ErrorIssue("template", err.Error()))
		h.disabled = true
		return h.Issues()
	}
	if len(params) == 0 {
		h.addIssue(model.WarningIssue("template", "template has no parameters"))
	}
	h.re, h.params = re, params
	return h.Issues()
}

func (h *evaluateURIHandler) Process(_ *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if !h.applies(node, direction, headers, content) {
		return false
	}

	path, _, _ := strings.Cut(node.URI, "?")
	sub := h.re.FindStringSubmatch(path)
	if sub == nil {
		return false
	}
	for i, name := range h.params {
		node.SetProperty(name, sub[i+1])
	}
	node.SetDetail(DetailOriginalURI, node.URI)
	node.URI = h.cfg.Template
	return h.applied()
}

func compileTemplate(tmpl string) (*regexp.Regexp, []string, error) {
	var (
		sb     strings.Builder
		params []string
	)
	sb.WriteString("^")
	for i, seg := range strings.Split(tmpl, "/") {
		if i > 0 {
			sb.WriteString("/")
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			name := seg[1 : len(seg)-1]
			if name == "" {
				return nil, nil, fmt.Errorf("empty parameter in template %q", tmpl)
			}
			params = append(params, name)
			sb.WriteString("([^/]+)")
			continue
		}
		if strings.ContainsAny(seg, "{}") {
			return nil, nil, fmt.Errorf("malformed segment %q in template %q", seg, tmpl)
		}
		sb.WriteString(regexp.QuoteMeta(seg))
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, err
	}
	return re, params, nil
}
