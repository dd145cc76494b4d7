package logging

import "github.com/sirupsen/logrus"

// BaseFields builds the action + config path fields shared by CLI entry points.
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResourceFields tags engine log lines with the operation and resource id.
func ResourceFields(op, resourceID string) logrus.Fields {
	return logrus.Fields{
		"action":      op,
		"resource_id": resourceID,
	}
}
