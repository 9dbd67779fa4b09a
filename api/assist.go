package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"opskb/knowledge"
	"opskb/match"
)

// minAssistScore is the weakest instruction/task match the assist endpoint
// will act on.
const minAssistScore = 0.3

// AssistRequest asks for a browser action sequence that carries out an
// instruction against the knowledge base.
type AssistRequest struct {
	Instruction string `json:"instruction" binding:"required"`
	JobID       string `json:"job_id,omitempty"`
}

// AssistStep is one browser operation of the answer.
type AssistStep struct {
	Order       int    `json:"order"`
	Type        string `json:"type"`
	Selector    string `json:"selector,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// AssistResponse is the translated action sequence.
type AssistResponse struct {
	KnowledgeID string       `json:"knowledge_id"`
	TaskID      string       `json:"task_id,omitempty"`
	TaskName    string       `json:"task_name,omitempty"`
	Confidence  float64      `json:"confidence"`
	Steps       []AssistStep `json:"steps"`
}

// assist translates a high-level instruction into a browser action
// sequence: the instruction is fuzzy-matched against the knowledge base's
// tasks and the best task's steps are resolved to concrete selectors via
// its linked actions.
func (s *Server) assist(c *gin.Context) {
	kid := c.Param("kid")
	var req AssistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := s.store.Tasks(c.Request.Context(), kid, req.JobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	task, score := bestTask(req.Instruction, tasks)
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no task matches the instruction"})
		return
	}

	actions, err := s.store.Actions(c.Request.Context(), kid, req.JobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, AssistResponse{
		KnowledgeID: kid,
		TaskID:      task.EntityID,
		TaskName:    task.Name,
		Confidence:  score,
		Steps:       planSteps(task, actions),
	})
}

// bestTask scores every task name against the instruction and returns the
// winner, nil when nothing clears minAssistScore.
func bestTask(instruction string, tasks []knowledge.Task) (*knowledge.Task, float64) {
	var best *knowledge.Task
	bestScore := 0.0
	for i := range tasks {
		score := match.Ratio(match.Normalize(instruction), match.Normalize(tasks[i].Name))
		if match.Names(instruction, tasks[i].Name) && score < match.DefaultThreshold {
			score = match.DefaultThreshold
		}
		if score > bestScore {
			best = &tasks[i]
			bestScore = score
		}
	}
	if bestScore < minAssistScore {
		return nil, 0
	}
	return best, bestScore
}

// planSteps turns a task's steps into a concrete action sequence. Steps
// that already carry a selector are used as-is; descriptive steps are
// resolved against the task's linked actions by name similarity.
func planSteps(task *knowledge.Task, actions []knowledge.Action) []AssistStep {
	linked := make(map[string]*knowledge.Action, len(task.ActionIDs))
	for _, id := range task.ActionIDs {
		for i := range actions {
			if actions[i].EntityID == id {
				linked[id] = &actions[i]
			}
		}
	}

	steps := make([]AssistStep, 0, len(task.Steps))
	for _, ts := range task.Steps {
		step := AssistStep{
			Order:       ts.Order,
			Type:        ts.Type,
			Selector:    ts.Action["selector"],
			Value:       ts.Action["value"],
			Description: ts.Action["description"],
		}
		if step.Description == "" {
			step.Description = ts.Action["field"]
		}
		if step.Selector == "" {
			if act := resolveAction(ts, linked, actions); act != nil {
				step.Selector = act.TargetSelector
				if step.Type == "" {
					step.Type = string(act.ActionType)
				}
				if url := act.Parameters["url"]; url != "" && step.Value == "" {
					step.Value = url
				}
			}
		}
		steps = append(steps, step)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

func resolveAction(ts knowledge.TaskStep, linked map[string]*knowledge.Action, all []knowledge.Action) *knowledge.Action {
	desc := ts.Action["description"]
	if desc == "" {
		return nil
	}
	for _, act := range linked {
		if match.Names(desc, act.Name) {
			return act
		}
	}
	for i := range all {
		if match.Names(desc, all[i].Name) {
			return &all[i]
		}
	}
	return nil
}
