package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"tradechat/internal/config"
	"tradechat/internal/models"
)

// ReplyRequest is everything the responder sees for one turn. History is the
// stored conversation, oldest first, and may already end with UserText.
type ReplyRequest struct {
	Session  *models.Session
	History  []*models.Message
	UserText string
}

// Service produces assistant replies from a configured chat model, through a
// react agent when tools are available.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	logger    *zap.Logger
}

// NewService builds the responder selected by cfg.Assistant.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := cfg.Assistant.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Assistant.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	chatModel, err := newChatModel(ctx, provider, modelName, provCfg)
	if err != nil {
		return nil, err
	}
	var tools []tool.BaseTool
	if cfg.Assistant.WebSearch {
		tools = InitToolsChain(logger)
	}
	logger.Info("assistant responder ready",
		zap.String("provider", provider),
		zap.String("model", modelName),
		zap.Int("tools", len(tools)))
	return newService(ctx, chatModel, tools, logger)
}

func newService(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{chatModel: chatModel, logger: logger}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		s.agent = agent
	}
	return s, nil
}

func newChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// GenerateReply returns the assistant's answer to req.UserText.
func (s *Service) GenerateReply(ctx context.Context, req ReplyRequest) (string, error) {
	if req.Session == nil {
		return "", errors.New("session is required")
	}
	if strings.TrimSpace(req.UserText) == "" {
		return "", errors.New("user text is required")
	}
	input := buildPrompt(req)
	ctx = WithToolSession(ctx, req.Session.UserID, req.Session.ID)

	var (
		resp *schema.Message
		err  error
	)
	if s.agent != nil {
		resp, err = s.agent.Generate(ctx, input)
	} else {
		resp, err = s.chatModel.Generate(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", errors.New("model returned an empty reply")
	}
	return content, nil
}

// buildPrompt states purpose and language as given; their meaning belongs to
// the storefront flows, not to this service.
func buildPrompt(req ReplyRequest) []*schema.Message {
	var sys strings.Builder
	sys.WriteString("You are the assistant of a trade storefront used by sellers, buyers and customs brokers. ")
	sys.WriteString("Answer concisely and factually. ")
	fmt.Fprintf(&sys, "Conversation purpose: %s. ", req.Session.Purpose)
	if req.Session.Language != "" {
		fmt.Fprintf(&sys, "Always reply in the language with code %q. ", req.Session.Language)
	}
	if data := strings.TrimSpace(req.Session.SessionData); data != "" {
		fmt.Fprintf(&sys, "Conversation context: %s", data)
	}

	messages := make([]*schema.Message, 0, len(req.History)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: strings.TrimSpace(sys.String())})
	for _, msg := range req.History {
		if msg == nil {
			continue
		}
		role := schema.User
		if msg.Sender == models.RoleAssistant {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}

	userText := strings.TrimSpace(req.UserText)
	if n := len(req.History); n == 0 || req.History[n-1] == nil ||
		req.History[n-1].Sender != models.RoleUser || strings.TrimSpace(req.History[n-1].Content) != userText {
		messages = append(messages, &schema.Message{Role: schema.User, Content: userText})
	}
	return messages
}
