package models

import "time"

// Subject is the entity an execution acts upon, typically a CRM contact.
type Subject struct {
	ID         string         `json:"id"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	FirstName  string         `json:"first_name,omitempty"`
	LastName   string         `json:"last_name,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Fields flattens the subject into a lookup map used by conditions and personalization.
// Properties are reachable both at the top level and under "properties".
func (s *Subject) Fields() map[string]any {
	fields := make(map[string]any, len(s.Properties)+8)

	for k, v := range s.Properties {
		fields[k] = v
	}

	tags := make([]any, 0, len(s.Tags))
	for _, tag := range s.Tags {
		tags = append(tags, tag)
	}

	fields["id"] = s.ID
	fields["email"] = s.Email
	fields["phone"] = s.Phone
	fields["first_name"] = s.FirstName
	fields["last_name"] = s.LastName
	fields["tags"] = tags
	fields["properties"] = s.Properties
	fields["created_at"] = s.CreatedAt.Format(time.RFC3339)

	return fields
}

func (s *Subject) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// Task is a follow-up created against a subject by an action step.
type Task struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
