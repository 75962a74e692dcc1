package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

func (m mainModel) initChat() mainModel {
	m.chatViewport = viewport.New(0, 0)
	m.chatViewport.KeyMap = m.keymap.viewportKeymap

	m.chatSpinner = spinner.New(spinner.WithSpinner(spinner.MiniDot))

	m.chatTextArea = textarea.New()
	m.chatTextArea.SetPromptFunc(2, func(lineIdx int) string {
		if lineIdx == 0 {
			return "> "
		}
		return ""
	})
	m.chatTextArea.ShowLineNumbers = false
	m.chatTextArea.SetHeight(3)
	m.chatTextArea.Placeholder = "What would you like to ask?"
	m.chatTextArea.CharLimit = 0
	m.chatTextArea.KeyMap = m.keymap.textAreaKeymap

	m.chatMDRenderer, _ = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithPreservedNewLines(),
		glamour.WithWordWrap(0),
	)

	return m
}

func (m mainModel) updateChatSize() mainModel {
	activeID := m.store.activeID()

	titleHeight := lipgloss.Height(titleStyle.Render(m.store.title(activeID)))
	textareaHeight := lipgloss.Height(chatTextareaStyle.Render(m.chatTextArea.View()))
	helpHeight := lipgloss.Height(m.helpModel.View(m.keymap))

	newHeight := m.height - titleHeight - textareaHeight - helpHeight
	if m.err != nil {
		newHeight -= errHeight(m.width, m.err)
	}
	if m.warn != "" {
		newHeight -= warnHeight(m.width, m.warn)
	}
	// A window shorter than the surrounding chrome leaves no room for the
	// viewport, and a negative height makes it panic on render.
	m.chatViewport.Height = max(newHeight, 0)

	m.chatTextArea.SetWidth(m.width - chatTextareaStyle.GetHorizontalFrameSize())

	var sb strings.Builder
	for _, t := range m.store.history(activeID) {
		rc, _ := m.chatMDRenderer.Render(wordwrap.String(t.Content, m.width-10))

		sb.WriteString(chatEntityStyle.Render(fmt.Sprintf("%s: ", t.displayName())))
		sb.WriteString(chatContentStyle.Render(rc))
		sb.WriteString("\n")
	}
	if m.chatIsThinking {
		sb.WriteString(spinnerStyle.Render(m.chatSpinner.View()))
	}

	m.chatViewport.SetContent(sb.String())
	m.chatViewport.GotoBottom()

	return m
}

func (m mainModel) handleChatEvents(msg tea.Msg) (mainModel, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if m.viewState == viewStateChat {
			m = m.updateChatSize()
		}
	case tea.KeyMsg:
		if m.viewState != viewStateChat {
			return m, nil
		}

		switch {
		case key.Matches(msg, m.keymap.escape):
			// A round trip in flight blocks until it resolves; there is no
			// cancellation and no other thread mutation can interleave.
			if m.chatIsThinking {
				return m, nil
			}

			m.err = nil
			m.warn = ""
			return m.setViewState(viewStateThreads).updateThreadListSize(), nil
		case key.Matches(msg, m.keymap.submit):
			if m.chatIsThinking {
				return m, nil
			}
			return m.sendChat()
		case key.Matches(msg, m.keymap.openHelp):
			m.keymap.openHelp.SetEnabled(false)
			m.keymap.closeHelp.SetEnabled(true)
			m.helpModel.ShowAll = true
			return m.updateChatSize(), nil
		case key.Matches(msg, m.keymap.closeHelp):
			m.keymap.closeHelp.SetEnabled(false)
			m.keymap.openHelp.SetEnabled(true)
			m.helpModel.ShowAll = false
			return m.updateChatSize(), nil
		}
	case spinner.TickMsg:
		if !m.chatIsThinking {
			// Stop the spinner if the LLM is not thinking anymore
			return m, nil
		}
		// Updating the spinner here would cause the spinner to tick again
		var cmd tea.Cmd
		m.chatSpinner, cmd = m.chatSpinner.Update(msg)
		return m.updateChatSize(), cmd
	case llmResponseMsg:
		return m.handleChatResponse(msg)
	}

	m.chatTextArea, cmd = m.chatTextArea.Update(msg)
	cmds = append(cmds, cmd)

	m.chatSpinner, cmd = m.chatSpinner.Update(msg)
	cmds = append(cmds, cmd)

	m.chatViewport, cmd = m.chatViewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// sendChat runs one submission round trip: append the user turn, fire the
// completion command and switch the view into its thinking state. The thread
// id is captured here so the response lands in the thread the submission
// started on.
func (m mainModel) sendChat() (mainModel, tea.Cmd) {
	if m.chatTextArea.Value() == "" {
		return m, nil
	}

	prompt := m.chatTextArea.Value()
	threadID := m.store.activeID()

	m.err = nil
	m.warn = ""
	m.store.appendTurn(threadID, turn{
		Role:      roleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	})
	m.chatIsThinking = true
	m.chatTextArea.Reset()
	m.chatTextArea.Blur()

	// The API is stateless between calls, so the whole history goes out on
	// every request.
	history := m.store.history(threadID)
	convoLLM := m.convoLLM

	completionCmd := func() tea.Msg {
		res := convoLLM.chat(context.Background(), history)
		return llmResponseMsg{
			threadID: threadID,
			prompt:   prompt,
			content:  res.content,
			err:      res.err,
		}
	}

	return m.updateChatSize(), tea.Batch(completionCmd, m.chatSpinner.Tick)
}

func (m mainModel) handleChatResponse(msg llmResponseMsg) (mainModel, tea.Cmd) {
	m.chatIsThinking = false
	m.chatTextArea.Focus()

	if msg.err != nil {
		m.err = msg.err
		m.store.appendTurn(msg.threadID, turn{
			Role:      roleModel,
			Content:   fmt.Sprintf("Error: An error occurred: %s", msg.err),
			Timestamp: time.Now(),
		})

		m, cmd := m.syncThreadList()
		return m.updateChatSize(), cmd
	}

	m.store.appendTurn(msg.threadID, turn{
		Role:      roleModel,
		Content:   msg.content,
		Timestamp: time.Now(),
	})

	var cmds []tea.Cmd

	if cmd := m.retitleCmd(msg.threadID, msg.prompt, msg.content); cmd != nil {
		cmds = append(cmds, cmd)
	}

	m, cmd := m.syncThreadList()
	cmds = append(cmds, cmd)

	return m.updateChatSize(), tea.Batch(cmds...)
}

// retitleCmd returns a title-generation command for the thread's first
// completed exchange, or nil once the thread has been titled. The default
// title doubles as the not-yet-titled sentinel, and titlePending covers the
// window between issuing the request and handling its result, so this fires
// at most once per thread.
func (m mainModel) retitleCmd(threadID, prompt, reply string) tea.Cmd {
	if m.titlePending[threadID] ||
		!m.store.needsTitle(threadID) ||
		len(m.store.history(threadID)) < 2 {
		return nil
	}

	m.titlePending[threadID] = true
	titleGenLLM := m.titleGenLLM

	return func() tea.Msg {
		title, err := generateThreadTitle(context.Background(), titleGenLLM, prompt, reply)
		return llmResponseTitleMsg{
			threadID: threadID,
			prompt:   prompt,
			title:    title,
			err:      err,
		}
	}
}

func (m mainModel) handleChatResponseTitle(msg llmResponseTitleMsg) (mainModel, tea.Cmd) {
	delete(m.titlePending, msg.threadID)

	if !m.store.exists(msg.threadID) {
		return m, nil
	}

	title := msg.title
	if msg.err != nil {
		// Title generation is best effort; fall back to the prompt itself
		// and keep the submission result intact.
		m.warn = fmt.Sprintf("Could not generate title automatically: %s", msg.err)
		title = fallbackTitle(msg.prompt)
	}

	m.store.setTitle(msg.threadID, title)

	m, cmd := m.syncThreadList()
	if m.viewState == viewStateChat {
		m = m.updateChatSize()
	}

	return m, cmd
}

func (m mainModel) chatView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(m.store.title(m.store.activeID())),
		m.chatViewport.View(),
		chatTextareaStyle.Render(m.chatTextArea.View()),
		m.helpModel.View(m.keymap),
	)
}

func (t turn) displayName() string {
	if t.Role == roleUser {
		return "You"
	}
	return "Gemini"
}
